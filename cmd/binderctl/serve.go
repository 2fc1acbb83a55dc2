package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	binder "github.com/raspberrypi/linux-sub000"
	"github.com/raspberrypi/linux-sub000/internal/logging"
	"github.com/raspberrypi/linux-sub000/internal/metrics"
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/wire"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		metricsAddr string
		contextName string
		verbose     bool
		period      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a server-side binder Process and log incoming one-way transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			logConfig := logging.DefaultConfig()
			if verbose {
				logConfig.Level = logging.LevelDebug
			}
			logger := logging.NewLogger(logConfig)
			logging.SetDefault(logger)

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server stopped", "error", err)
					}
				}()
				logger.Info("serving metrics", "addr", metricsAddr)
				defer srv.Close()
			}

			ctx := binder.RegisterContext(contextName)
			cfg := binder.DefaultConfig()

			server, err := binder.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening server process: %w", err)
			}
			defer server.Release()

			exported := server.Process().NewLocalNode(0x1000, 0x2000, 0)
			logger.Info("exported node", "ptr", exported.Ptr, "cookie", exported.Cookie, "process_id", server.Process().ID())

			client, err := binder.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening demo client process: %w", err)
			}
			defer client.Release()

			handle := client.Process().AddHandle(node.TakeRefAcked(exported, 1, 1))
			logger.Info("demo client holds handle", "handle", handle)

			runCtx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("received shutdown signal")
				cancel()
			}()

			if period > 0 {
				go demoClientLoop(runCtx, logger, client, handle, period)
			}

			serverTid := process.CurrentThreadID()
			serverThread, err := server.Process().Thread(serverTid)
			if err != nil {
				return err
			}
			serverThread.EnterLooper()

			readBuf := make([]byte, 4096)
			for {
				select {
				case <-runCtx.Done():
					logger.Info("stopping server loop")
					return nil
				default:
				}
				wr := &wire.WriteRead{ReadSize: uint64(len(readBuf))}
				if err := server.WriteRead(runCtx, serverTid, wr, nil, readBuf, true); err != nil {
					if err == binder.ErrInterrupted {
						continue
					}
					logger.Error("write_read failed", "error", err)
					continue
				}
				logReturnCodes(logger, readBuf[:wr.ReadConsumed])
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9090); empty disables")
	cmd.Flags().StringVar(&contextName, "context", "binderctl-demo", "binder context name to register")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().DurationVar(&period, "period", time.Second, "interval between synthetic demo transactions; 0 disables")
	return cmd
}

func demoClientLoop(ctx context.Context, logger *logging.Logger, client *binder.Conn, handle uint32, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint32(payload, seq)
			if err := submitDemoTransaction(client, handle, seq, payload); err != nil {
				logger.Error("demo transaction failed", "error", err)
				metrics.TransactionsSubmitted.WithLabelValues("error").Inc()
				continue
			}
			metrics.TransactionsSubmitted.WithLabelValues("ok").Inc()
		}
	}
}

func submitDemoTransaction(client *binder.Conn, handle uint32, code uint32, payload []byte) error {
	tid := process.CurrentThreadID()

	td := wire.TransactionData{
		Handle:   uint64(handle),
		Code:     code,
		Flags:    wire.TF_ONE_WAY,
		DataSize: uint64(len(payload)),
	}
	body := make([]byte, wire.TransactionDataSize+len(payload))
	td.Encode(body)
	copy(body[wire.TransactionDataSize:], payload)

	writeBuf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(writeBuf, uint32(wire.BC_TRANSACTION))
	copy(writeBuf[4:], body)

	wr := &wire.WriteRead{WriteSize: uint64(len(writeBuf))}
	return client.WriteRead(context.Background(), tid, wr, writeBuf, nil, false)
}

func logReturnCodes(logger *logging.Logger, buf []byte) {
	pos := 0
	for pos+4 <= len(buf) {
		code := wire.Return(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		switch code {
		case wire.BR_NOOP, wire.BR_TRANSACTION_COMPLETE, wire.BR_SPAWN_LOOPER, wire.BR_OK:
			logger.Debug("return code", "code", code.String())
		case wire.BR_TRANSACTION, wire.BR_REPLY:
			if pos+wire.TransactionDataSize > len(buf) {
				return
			}
			td := wire.DecodeTransactionData(buf[pos:])
			pos += wire.TransactionDataSize
			logger.Info("received transaction", "code", td.Code, "data_size", td.DataSize)
		case wire.BR_INCREFS, wire.BR_ACQUIRE, wire.BR_RELEASE, wire.BR_DECREFS:
			if pos+16 > len(buf) {
				return
			}
			ptr := binary.LittleEndian.Uint64(buf[pos:])
			cookie := binary.LittleEndian.Uint64(buf[pos+8:])
			pos += 16
			logger.Info("refcount notification", "code", code.String(), "ptr", ptr, "cookie", cookie)
		default:
			return
		}
	}
}
