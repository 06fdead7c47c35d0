package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"utc_daemon/internal/timeproto"
)

var (
	queryUDP     bool
	queryEpoch   string
	queryTimeout time.Duration
)

var queryCmd = &cobra.Command{
	Use:   "query <addr>",
	Short: "Ask a running daemon for the time",
	Long: `Ask a running daemon for the time and print it with the offset
from the local clock.

Examples:
  utcd query 127.0.0.1:37
  utcd query --udp --epoch rfc868 time.example.net:37`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		epoch, err := timeproto.ParseEpoch(queryEpoch)
		if err != nil {
			return err
		}
		network := "tcp"
		if queryUDP {
			network = "udp"
		}
		r, err := queryTime(cmd.Context(), network, args[0], epoch, queryTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  timestamp=%d offset=%s\n",
			r.Time.Format(timeproto.TimeLayout), r.Packet.Timestamp, r.Offset)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().BoolVar(&queryUDP, "udp", false, "Query over UDP instead of TCP")
	queryCmd.Flags().StringVar(&queryEpoch, "epoch", "unix", "Epoch the server uses (unix or rfc868)")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 3*time.Second, "Time to wait for an answer")
}

type queryResult struct {
	Packet timeproto.Packet
	Time   time.Time
	Offset time.Duration
}

// queryTime fetches one timestamp from addr. Over UDP a client packet is
// sent first; over TCP the server writes as soon as the connection opens.
func queryTime(ctx context.Context, network, addr string, epoch timeproto.Epoch, timeout time.Duration) (queryResult, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return queryResult{}, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return queryResult{}, err
	}

	var b []byte
	if network == "udp" {
		req := timeproto.NewPacket(epoch.Timestamp(time.Now()))
		req.Mode = timeproto.ModeClient
		if _, err := conn.Write(req.EncodeExtended()); err != nil {
			return queryResult{}, fmt.Errorf("send request: %w", err)
		}
		buf := make([]byte, timeproto.MaxPacketSize)
		n, err := conn.Read(buf)
		if err != nil {
			return queryResult{}, fmt.Errorf("read response: %w", err)
		}
		b = buf[:n]
	} else {
		b, err = io.ReadAll(io.LimitReader(conn, timeproto.MaxPacketSize))
		if err != nil {
			return queryResult{}, fmt.Errorf("read response: %w", err)
		}
	}

	now := time.Now()
	p, err := timeproto.Decode(b, epoch.Timestamp(now))
	if err != nil {
		return queryResult{}, err
	}
	t := epoch.Time(p.Timestamp)
	return queryResult{Packet: p, Time: t, Offset: t.Sub(now.Truncate(time.Second))}, nil
}
