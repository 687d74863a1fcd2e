package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/crusader-net/crusader/internal/config"
	"github.com/crusader-net/crusader/internal/core"
	"github.com/crusader-net/crusader/internal/history"
	"github.com/crusader-net/crusader/internal/result"
)

func newTestCmd(cfg *config.Config) *cobra.Command {
	var (
		server        string
		port          uint16
		peerServer    string
		download      bool
		upload        bool
		bidirectional bool
		streams       uint32
		stagger       time.Duration
		duration      time.Duration
		grace         time.Duration
		latencyIv     time.Duration
		throughputIv  time.Duration
		save          string
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run a measurement test against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := result.Config{
				Download:                 download,
				Upload:                   upload,
				Bidirectional:            bidirectional,
				Streams:                  streams,
				StreamStagger:            stagger,
				LoadDuration:             duration,
				GraceDuration:            grace,
				LatencySampleInterval:    latencyIv,
				ThroughputSampleInterval: throughputIv,
				Port:                     port,
			}
			if server != "" {
				rc.Server = &result.Endpoint{Host: server, Port: port}
			}
			if peerServer != "" {
				host, p, err := splitHostPort(peerServer)
				if err != nil {
					return fmt.Errorf("--peer-server: %w", err)
				}
				rc.LatencyPeerServer = &result.Endpoint{Host: host, Port: p}
			}

			res, err := core.RunTest(cmd.Context(), rc)
			if err != nil {
				entry := history.Entry{
					Role: "client", Peer: server, Streams: streams,
					LoadDuration: duration.Seconds(), Error: err.Error(),
				}
				if appendErr := history.Append(entry); appendErr != nil {
					fmt.Fprintf(cmd.OutOrStderr(), "warning: could not record history: %v\n", appendErr)
				}
				return err
			}

			entry := summaryEntry(res, server)
			if save != "" {
				entry.ResultPath = save
			}
			if appendErr := history.Append(entry); appendErr != nil {
				fmt.Fprintf(cmd.OutOrStderr(), "warning: could not record history: %v\n", appendErr)
			}

			if save != "" {
				if err := core.Save(res, save); err != nil {
					return fmt.Errorf("saving result: %w", err)
				}
			}
			printSummary(res)
			return nil
		},
	}

	defaultServer := cfg.DefaultServerHost
	defaultStreams := cfg.DefaultStreams
	if defaultStreams == 0 {
		defaultStreams = 4
	}
	defaultPort := cfg.DefaultPort
	if defaultPort == 0 {
		defaultPort = 7575
	}

	cmd.Flags().StringVar(&server, "server", defaultServer, "server host (broadcast-discovered if empty)")
	cmd.Flags().Uint16Var(&port, "port", defaultPort, "server port")
	cmd.Flags().StringVar(&peerServer, "peer-server", "", "optional peer-latency server host:port")
	cmd.Flags().BoolVar(&download, "download", true, "measure download throughput")
	cmd.Flags().BoolVar(&upload, "upload", false, "measure upload throughput")
	cmd.Flags().BoolVar(&bidirectional, "bidirectional", false, "run download and upload simultaneously")
	cmd.Flags().Uint32Var(&streams, "streams", defaultStreams, "number of parallel load streams")
	cmd.Flags().DurationVar(&stagger, "stream-stagger", 0, "delay between starting each stream")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "load phase duration")
	cmd.Flags().DurationVar(&grace, "grace", 1*time.Second, "latency-only grace window before/after load")
	cmd.Flags().DurationVar(&latencyIv, "latency-interval", 100*time.Millisecond, "latency ping interval")
	cmd.Flags().DurationVar(&throughputIv, "throughput-interval", 200*time.Millisecond, "throughput sample interval")
	cmd.Flags().StringVar(&save, "save", "", "path to save the .crr result to")
	return cmd
}

func summaryEntry(res *result.RawResult, peer string) history.Entry {
	var totalBytes uint64
	byStream := map[uint32]uint64{}
	for _, s := range res.Throughput {
		if s.BytesCumulative > byStream[s.StreamId] {
			byStream[s.StreamId] = s.BytesCumulative
		}
	}
	for _, v := range byStream {
		totalBytes += v
	}
	var mbps float64
	if res.Config.LoadDuration > 0 {
		mbps = float64(totalBytes*8) / res.Config.LoadDuration.Seconds() / 1e6
	}

	var rttSumUs int64
	var rttCount int
	var lost int
	for _, s := range res.Latency {
		if s.ReceivedRemoteUs != nil && s.ReceivedBackUs != nil {
			rttSumUs += *s.ReceivedBackUs - s.SentUs
			rttCount++
		} else {
			lost++
		}
	}
	var avgLatencyMs, lossPct float64
	if rttCount > 0 {
		avgLatencyMs = float64(rttSumUs) / float64(rttCount) / 1000
	}
	if len(res.Latency) > 0 {
		lossPct = float64(lost) / float64(len(res.Latency)) * 100
	}

	return history.Entry{
		Role:            "client",
		Peer:            peer,
		Streams:         res.Config.Streams,
		LoadDuration:    res.Config.LoadDuration.Seconds(),
		AvgThroughputMb: mbps,
		AvgLatencyMs:    avgLatencyMs,
		LossPct:         lossPct,
		Partial:         res.Partial,
	}
}

func splitHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

func printSummary(res *result.RawResult) {
	status := color.GreenString("ok")
	if res.Partial {
		status = color.YellowString("partial")
	}
	fmt.Printf("test complete: %s\n", status)
	for _, id := range res.StreamIds() {
		var maxBytes uint64
		for _, s := range res.Throughput {
			if s.StreamId == id && s.BytesCumulative > maxBytes {
				maxBytes = s.BytesCumulative
			}
		}
		mbps := float64(maxBytes*8) / res.Config.LoadDuration.Seconds() / 1e6
		fmt.Printf("  stream %d: %.2f Mbps (%d bytes)\n", id, mbps, maxBytes)
	}
	fmt.Printf("  latency samples: %d, sync residual: %dus\n", len(res.Latency), res.SyncResidualUs)
}
