package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sidkik/zynk/cmd/util"
	"github.com/sidkik/zynk/pkg/errors"
)

// HealthService is the name zynkd reports its status under in the gRPC
// health service.
const HealthService = "zynkd"

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// startAdmin serves the health service on the Unix socket at path. It's a
// no-op if path is empty.
func (s *Server) startAdmin(path string) error {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "make socket directory")
	}

	// Remove the socket left behind by a previous run.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove stale socket")
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return errors.WithContext(err, "listen")
	}
	if err := os.Chmod(path, 0660); err != nil {
		lis.Close()
		return errors.WithContext(err, "chmod socket")
	}

	s.adminServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.adminServer, s.health)
	go func() {
		defer util.HandlePanic()
		if err := s.adminServer.Serve(lis); err != nil {
			log.WithError(err).Error("Admin server exited")
		}
	}()
	return nil
}

// Status asks the zynkd listening on the admin socket at path whether it's
// serving.
func Status(ctx context.Context, path string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient("unix://"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, errors.WithContext(err, "dial")
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx,
		&healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		return 0, errors.NewFriendlyError(
			"Failed to query zynkd on %s. Is it running?\n%s", path, err)
	}
	return resp.Status, nil
}
