// Command wprocd-worker is a reference worker process: it speaks the
// wire protocol's job/result side over its own stdin/stdout, the
// Go-native equivalent of the reference implementation's forked worker
// loop (base/workers.c's child-side of wproc_run). It exists so the
// dispatcher core has at least one real worker to drive end to end.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mjtrangoni/wprocd/internal/job"
	"github.com/mjtrangoni/wprocd/internal/wire"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "wprocd-worker").Logger()

	if err := run(log); err != nil {
		log.Error().Err(err).Msg("worker exiting")
		os.Exit(1)
	}
}

func run(log zerolog.Logger) error {
	name := "wprocd-worker"
	if len(os.Args) > 1 {
		name = os.Args[1]
	}

	out := wire.Encode([]wire.KV{{Key: wire.KeyName, Value: name}})
	if _, err := os.Stdout.Write(out); err != nil {
		return fmt.Errorf("write registration: %w", err)
	}

	dec := wire.NewDecoder()
	buf := make([]byte, 1<<16)

	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				frame, ok := dec.Next()
				if !ok {
					break
				}
				handleJob(log, frame)
			}
		}
		if err != nil {
			return nil // EOF: master closed our stdin, shut down quietly
		}
	}
}

func handleJob(log zerolog.Logger, frame []byte) {
	pairs := wire.ParseKV(frame)

	var (
		jobID   int
		typ     int
		command string
		timeout int64
	)
	for _, kv := range pairs {
		switch kv.Key {
		case wire.KeyJobID:
			jobID, _ = strconv.Atoi(kv.Value)
		case wire.KeyType:
			typ, _ = strconv.Atoi(kv.Value)
		case wire.KeyCommand:
			command = kv.Value
		case wire.KeyTimeout:
			timeout, _ = strconv.ParseInt(kv.Value, 10, 64)
		}
	}

	// timeout is read as a plain relative number of seconds, which is what
	// RunCheck/Notify/RunServiceJob/RunHostJob put on the wire. A job from
	// the master's generic Run entry point carries an absolute epoch
	// instead; read as relative seconds, that gives such a job a timeout
	// decades away.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	start := time.Now()
	result := execCommand(ctx, command)
	stop := time.Now()

	reply := []wire.KV{
		{Key: wire.KeyJobID, Value: strconv.Itoa(jobID)},
		{Key: wire.KeyType, Value: strconv.Itoa(typ)},
		{Key: wire.KeyStart, Value: formatTimeval(start)},
		{Key: wire.KeyStop, Value: formatTimeval(stop)},
		{Key: wire.KeyWaitStatus, Value: strconv.Itoa(result.waitStatus)},
		{Key: wire.KeyOutStd, Value: result.stdout},
	}
	if result.stderr != "" {
		reply = append(reply, wire.KV{Key: wire.KeyOutErr, Value: result.stderr})
	}
	if result.exitedOK {
		reply = append(reply, wire.KV{Key: wire.KeyExitedOK, Value: "1"})
	} else {
		reply = append(reply, wire.KV{Key: wire.KeyExitedOK, Value: "0"})
	}
	if result.rusage != nil {
		reply = append(reply,
			wire.KV{Key: wire.KeyRuUtime, Value: formatDuration(result.rusage.Utime)},
			wire.KV{Key: wire.KeyRuStime, Value: formatDuration(result.rusage.Stime)},
			wire.KV{Key: wire.KeyRuMinflt, Value: strconv.FormatInt(int64(result.rusage.Minflt), 10)},
			wire.KV{Key: wire.KeyRuMajflt, Value: strconv.FormatInt(int64(result.rusage.Majflt), 10)},
		)
	}
	if ctx.Err() == context.DeadlineExceeded {
		reply = append(reply, wire.KV{Key: wire.KeyErrorCode, Value: strconv.Itoa(wire.ETIME)})
	} else if result.errorMsg != "" {
		reply = append(reply, wire.KV{Key: wire.KeyErrorMsg, Value: result.errorMsg})
	}

	if _, err := os.Stdout.Write(wire.Encode(reply)); err != nil {
		log.Error().Err(err).Int("job_id", jobID).Msg("failed to write result frame")
	}
}

type commandResult struct {
	waitStatus int
	stdout     string
	stderr     string
	exitedOK   bool
	errorMsg   string
	rusage     *job.Rusage
}

// execCommand runs command through /bin/sh -c, matching the reference
// implementation's shell-delegated command execution.
func execCommand(ctx context.Context, command string) commandResult {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := commandResult{
		stdout: stdout.String(),
		stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.waitStatus = cmd.ProcessState.ExitCode()
		res.exitedOK = cmd.ProcessState.Exited()
		if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
			res.rusage = &job.Rusage{
				Utime:   time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond,
				Stime:   time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond,
				Minflt:  int(ru.Minflt),
				Majflt:  int(ru.Majflt),
				Nswap:   int(ru.Nswap),
				Inblock: int(ru.Inblock),
				Oublock: int(ru.Oublock),
			}
		}
	}
	if err != nil && res.waitStatus == 0 {
		res.errorMsg = err.Error()
	}
	return res
}

func formatTimeval(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func formatDuration(d time.Duration) string {
	sec := int64(d / time.Second)
	usec := int64((d % time.Second) / time.Microsecond)
	return fmt.Sprintf("%d.%06d", sec, usec)
}
