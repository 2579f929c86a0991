package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"github.com/xela07ax/agent-safety-plane/internal/infra"
	"github.com/xela07ax/agent-safety-plane/internal/proof"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// newProofMockCmd поднимает локальный сервис доказательств для dev-стенда.
func newProofMockCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "proof-mock",
		Short: "Serve a deterministic mock of the proof service over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := infra.NewLogger(infra.LoggerConfig{Level: "info", Format: "console"})
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen gRPC: %w", err)
			}

			srv := grpc.NewServer(grpc.UnaryInterceptor(proof.UnaryLoggingInterceptor(logger)))
			proof.RegisterProofServer(srv, proof.NewProviderServer(&proof.Mock{}))

			go func() {
				<-cmd.Context().Done()
				srv.GracefulStop()
			}()

			logger.Info("proof mock started", zap.String("addr", lis.Addr().String()))
			return srv.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":50061", "listen address")
	return cmd
}
