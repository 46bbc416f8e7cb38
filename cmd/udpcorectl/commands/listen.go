package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpcore/internal/netio"
)

func listenCmd() *cobra.Command {
	var (
		count   int
		timeout time.Duration
		echo    bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive datagrams on the bound port",
		Long: "Binds a transport on --port and prints received datagrams until interrupted " +
			"(Ctrl+C), --count datagrams arrive, or --timeout elapses. " +
			"Table output streams rows; json and yaml print once at the end.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			received := make(chan datagramView, 64)
			echoes := make(chan reply, 64)
			tr, err := openTransport(func(data []byte, from *netio.Endpoint) {
				// Drop rather than block the receive goroutine once the
				// command stops draining.
				select {
				case received <- datagramView{
					From:    from.String(),
					Family:  from.Family().String(),
					Size:    len(data),
					Payload: printable(data),
				}:
				default:
				}
				if echo {
					select {
					case echoes <- reply{payload: append([]byte(nil), data...), from: from}:
					default:
					}
				}
			})
			if err != nil {
				return err
			}
			defer tr.Close(false)

			view := &listenView{
				Port:     tr.LocalPort(),
				Sockets:  tr.SocketCount(),
				DualMode: tr.DualMode(),
				Native:   tr.Native(),
			}

			stream := strings.EqualFold(outputFormat, formatTable)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if stream {
				fmt.Fprintf(w, "Listening on port %d (%d sockets, dual=%t, native=%t)\n",
					view.Port, view.Sockets, view.DualMode, view.Native)
				fmt.Fprintln(w, "FROM\tFAMILY\tSIZE\tPAYLOAD")
				_ = w.Flush()
			}

			for count <= 0 || len(view.Datagrams) < count {
				select {
				case <-ctx.Done():
					return finishListen(cmd, view, stream)
				case r := <-echoes:
					if _, err := tr.SendTo(r.payload, 0, len(r.payload), r.from); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "echo to %s: %v\n", r.from, err)
					}
				case d := <-received:
					view.Datagrams = append(view.Datagrams, d)
					if stream {
						d.writeTable(w)
						_ = w.Flush()
					}
				}
			}

			return finishListen(cmd, view, stream)
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "stop after this many datagrams (0 for unlimited)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop after this long (0 for no limit)")
	cmd.Flags().BoolVar(&echo, "echo", false, "send every datagram back to its sender")

	return cmd
}

func finishListen(cmd *cobra.Command, view *listenView, streamed bool) error {
	if streamed {
		return nil
	}
	if view.Datagrams == nil {
		view.Datagrams = []datagramView{}
	}
	return printOut(cmd.OutOrStdout(), view)
}
