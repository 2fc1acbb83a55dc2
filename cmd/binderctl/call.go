package main

import (
	"encoding/binary"
	"fmt"

	binder "github.com/raspberrypi/linux-sub000"
	"github.com/raspberrypi/linux-sub000/internal/logging"
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/wire"
	"github.com/spf13/cobra"
)

func newCallCmd() *cobra.Command {
	var (
		contextName string
		code        uint32
		payload     string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Submit a single one-way transaction and print what the receiver would see",
		RunE: func(cmd *cobra.Command, args []string) error {
			logConfig := logging.DefaultConfig()
			if verbose {
				logConfig.Level = logging.LevelDebug
			}
			logger := logging.NewLogger(logConfig)
			logging.SetDefault(logger)

			ctx := binder.RegisterContext(contextName)
			cfg := binder.DefaultConfig()
			defer binder.DeregisterContext(contextName)

			server, err := binder.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening server process: %w", err)
			}
			defer server.Release()

			client, err := binder.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening client process: %w", err)
			}
			defer client.Release()

			exported := server.Process().NewLocalNode(0x1000, 0x2000, 0)
			handle := client.Process().AddHandle(node.TakeRefAcked(exported, 1, 1))

			if err := submitDemoTransaction(client, handle, code, []byte(payload)); err != nil {
				return fmt.Errorf("submitting transaction: %w", err)
			}
			logger.Info("submitted transaction", "code", code, "payload_size", len(payload))

			serverTid := process.CurrentThreadID()
			serverThread, err := server.Process().Thread(serverTid)
			if err != nil {
				return err
			}

			readBuf := make([]byte, 4096)
			wr := &wire.WriteRead{ReadSize: uint64(len(readBuf))}
			if err := serverThread.WriteRead(wr, nil, readBuf, false); err != nil {
				return fmt.Errorf("draining receiver: %w", err)
			}

			pos := 0
			for pos+4 <= int(wr.ReadConsumed) {
				c := wire.Return(binary.LittleEndian.Uint32(readBuf[pos:]))
				pos += 4
				switch c {
				case wire.BR_TRANSACTION, wire.BR_TRANSACTION_SEC_CTX, wire.BR_REPLY:
					td := wire.DecodeTransactionData(readBuf[pos:])
					pos += wire.TransactionDataSize
					if c == wire.BR_TRANSACTION_SEC_CTX {
						pos += wire.TransactionDataSecctxSize - wire.TransactionDataSize
					}
					out := make([]byte, td.DataSize)
					if err := server.Process().ReadArena(td.DataBuffer, out); err != nil {
						return fmt.Errorf("reading delivered payload: %w", err)
					}
					fmt.Printf("received: code=%d data=%q\n", td.Code, string(out))
				default:
					fmt.Printf("return code: %s\n", c.String())
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contextName, "context", "binderctl-call", "binder context name to register")
	cmd.Flags().Uint32Var(&code, "code", 1, "transaction code to send")
	cmd.Flags().StringVar(&payload, "payload", "hello", "payload bytes to send (as a string)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}
