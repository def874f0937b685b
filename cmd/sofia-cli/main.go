// sofia-cli drives the recorder library against a real device: every
// subcommand mirrors one library operation (the original smoke programs this
// tool replaces did exactly one each).
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/alxayo/go-sofia/internal/logger"
	"github.com/alxayo/go-sofia/internal/sofia/recorder"
	"github.com/alxayo/go-sofia/internal/sofia/rpc"
	"github.com/alxayo/go-sofia/internal/sofia/stream"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}

	rec := recorder.New(cfg.addr, cfg.user, cfg.pass, recorder.DialOptions{
		RequestTimeout: cfg.timeout,
		Attempts:       cfg.attempts,
	})
	fmt.Printf("Connecting to %s as %s...\n", cfg.addr, cfg.user)
	loginDone := make(chan error, 1)
	rec.ConnectAndLogin(func(err error) { loginDone <- err })
	if err := <-loginDone; err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rec.Close()

	if err := runCommand(rec, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(rec *recorder.Recorder, cfg *cliConfig) error {
	switch cfg.command {
	case "login":
		fmt.Println("Logged in.")
		return nil
	case "channels":
		return runChannels(rec)
	case "config":
		return runNamed(rec.GetConfig, cfg.args[0])
	case "sysinfo":
		return runNamed(rec.GetSysInfo, cfg.args[0])
	case "snap":
		return runSnap(rec, cfg.args[0], cfg.args[1])
	case "alarms":
		return runAlarms(rec, cfg.args)
	case "live":
		return runLive(rec, cfg.args)
	case "gateway":
		return runGateway(rec, cfg.args[0], cfg.args[1])
	case "playback":
		return runPlayback(rec, cfg.args)
	}
	return fmt.Errorf("unknown command %q", cfg.command)
}

func runChannels(rec *recorder.Recorder) error {
	done := make(chan error, 1)
	rec.GetChannelNames(func(names []string, err error) {
		if err == nil {
			for i, name := range names {
				fmt.Printf("%3d: %s\n", i, name)
			}
		}
		done <- err
	})
	return <-done
}

func runNamed(op func(string, func(string, any, error)), name string) error {
	done := make(chan error, 1)
	op(name, func(name string, body any, err error) {
		if err == nil {
			fmt.Printf("%s: %v\n", name, body)
		}
		done <- err
	})
	return <-done
}

func runSnap(rec *recorder.Recorder, channelArg, outFile string) error {
	channel, err := strconv.Atoi(channelArg)
	if err != nil {
		return fmt.Errorf("bad channel %q: %w", channelArg, err)
	}
	done := make(chan error, 1)
	rec.CapturePicture(channel, func(image []byte, err error) {
		if err == nil {
			err = os.WriteFile(outFile, image, 0o644)
		}
		if err == nil {
			fmt.Printf("Wrote %d bytes to %s\n", len(image), outFile)
		}
		done <- err
	})
	return <-done
}

func runAlarms(rec *recorder.Recorder, args []string) error {
	remaining := -1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad count %q: %w", args[0], err)
		}
		remaining = n
	}
	done := make(chan error, 1)
	handle, err := rec.MonitorAlarms(func(ev *rpc.AlarmEvent, err error) {
		if err != nil {
			done <- err
			return
		}
		fmt.Printf("Alarm received: Channel %d, IsStart: %v, EventType: %s\n", ev.Channel, ev.IsStart, ev.EventType)
		if remaining > 0 {
			remaining--
			if remaining == 0 {
				done <- nil
			}
		}
	})
	if err != nil {
		return err
	}
	defer handle.Close()
	fmt.Println("Monitoring alarms...")
	return <-done
}

func runLive(rec *recorder.Recorder, args []string) error {
	channel, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad channel %q: %w", args[0], err)
	}
	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()
	packets := 200
	if len(args) > 2 {
		if packets, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("bad packet count %q: %w", args[2], err)
		}
	}

	// Split the raw container into video frames as a sanity check while the
	// untouched bytes go to the output file.
	var frames int
	parser := stream.New(stream.Callbacks{
		OnIFrame: func(b []byte) { frames++; fmt.Printf("I-frame, %d bytes\n", len(b)) },
		OnPFrame: func(b []byte) { frames++ },
	}, stream.Config{})

	done := make(chan error, 1)
	received := 0
	handle, err := rec.ReceiveLiveVideo(channel, "Main", func(data []byte, err error) {
		if err != nil {
			done <- err
			return
		}
		if _, werr := out.Write(data); werr != nil {
			done <- werr
			return
		}
		if perr := parser.Parse(data); perr != nil {
			done <- perr
			return
		}
		received++
		if received >= packets {
			done <- nil
		}
	})
	if err != nil {
		return err
	}
	defer handle.Close()
	err = <-done
	fmt.Printf("Received %d packets (%d video frames)\n", received, frames)
	if err == nil && parser.HasLeftoverData() {
		fmt.Println("Warning: stream ended mid-chunk")
	}
	return err
}

// runGateway serves one channel's raw live stream to the first TCP client
// that connects, until that client disconnects.
func runGateway(rec *recorder.Recorder, channelArg, listenAddr string) error {
	channel, err := strconv.Atoi(channelArg)
	if err != nil {
		return fmt.Errorf("bad channel %q: %w", channelArg, err)
	}
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer l.Close()
	fmt.Printf("Waiting for a client on %s...\n", l.Addr())
	client, err := l.Accept()
	if err != nil {
		return err
	}
	defer client.Close()
	fmt.Printf("Client %s connected, streaming channel %d\n", client.RemoteAddr(), channel)

	done := make(chan error, 1)
	handle, err := rec.ReceiveLiveVideo(channel, "Main", func(data []byte, err error) {
		if err != nil {
			done <- err
			return
		}
		if _, werr := client.Write(data); werr != nil {
			done <- werr // client went away; unwind the claim
		}
	})
	if err != nil {
		return err
	}
	defer handle.Close()
	return <-done
}

func runPlayback(rec *recorder.Recorder, args []string) error {
	fileName := args[0]
	start, err := time.ParseInLocation(rpc.TimeLayout, args[1], time.Local)
	if err != nil {
		return fmt.Errorf("bad start time %q (want %q): %w", args[1], rpc.TimeLayout, err)
	}
	hours, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("bad hour count %q: %w", args[2], err)
	}
	out, err := os.Create(args[3])
	if err != nil {
		return err
	}
	defer out.Close()

	fmt.Printf("Requesting playback of %s from %s...\n", fileName, recorder.FormatTimestamp(start))
	done := make(chan error, 1)
	received := 0
	handle, err := rec.ReceiveRemotePlayback(start, start.Add(time.Duration(hours)*time.Hour), fileName,
		func(data []byte, err error) {
			if err != nil {
				done <- err
				return
			}
			received++
			fmt.Printf("Video data packet %d received: %d bytes\n", received, len(data))
			if _, werr := out.Write(data); werr != nil {
				done <- werr
			}
			if received >= 200 {
				done <- nil
			}
		})
	if err != nil {
		return err
	}
	defer handle.Close()
	return <-done
}
