// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package container

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	apicontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubDocker cobre só os métodos que o runtime usa; qualquer outro método
// do client estoura no interface nil embutido.
type stubDocker struct {
	client.CommonAPIClient

	createdConfig *apicontainer.Config
	createdHost   *apicontainer.HostConfig
	startErr      error
	started       []string
	removed       []apicontainer.RemoveOptions
	removedIDs    []string
	listOptions   apicontainer.ListOptions
	listResult    []types.Container
	attachConn    net.Conn
	closed        bool
}

func (s *stubDocker) ContainerCreate(ctx context.Context, config *apicontainer.Config, hostConfig *apicontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (apicontainer.CreateResponse, error) {
	s.createdConfig = config
	s.createdHost = hostConfig
	return apicontainer.CreateResponse{ID: "cafebabe00112233445566778899aabbccddeeff0011223344556677"}, nil
}

func (s *stubDocker) ContainerStart(ctx context.Context, containerID string, options apicontainer.StartOptions) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, containerID)
	return nil
}

func (s *stubDocker) ContainerRemove(ctx context.Context, containerID string, options apicontainer.RemoveOptions) error {
	s.removedIDs = append(s.removedIDs, containerID)
	s.removed = append(s.removed, options)
	return nil
}

func (s *stubDocker) ContainerAttach(ctx context.Context, containerID string, options apicontainer.AttachOptions) (types.HijackedResponse, error) {
	local, remote := net.Pipe()
	s.attachConn = remote
	return types.NewHijackedResponse(local, "application/vnd.docker.multiplexed-stream"), nil
}

func (s *stubDocker) ContainerList(ctx context.Context, options apicontainer.ListOptions) ([]types.Container, error) {
	s.listOptions = options
	return s.listResult, nil
}

func (s *stubDocker) Close() error {
	s.closed = true
	return nil
}

func TestDockerRuntime_StartAppliesSpec(t *testing.T) {
	stub := &stubDocker{}
	rt := NewDockerRuntimeWithClient(stub, testLogger())

	spec := StartSpec{
		SessionID: "sess-1",
		Image:     "twgate-worker:latest",
		Command:   []string{"python", "-u", "/worker/worker.py"},
		Binds:     []string{"/srv/twgate/data:/data:ro", "/opt/twgate/worker:/worker:ro"},
	}
	h, err := rt.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.ID == "" {
		t.Fatal("expected non-empty handle id")
	}
	if len(stub.started) != 1 || stub.started[0] != h.ID {
		t.Errorf("expected container %q started, got %v", h.ID, stub.started)
	}

	cfg := stub.createdConfig
	if cfg.Image != spec.Image {
		t.Errorf("image = %q, esperado %q", cfg.Image, spec.Image)
	}
	if len(cfg.Cmd) != 3 || cfg.Cmd[0] != "python" {
		t.Errorf("cmd = %v", cfg.Cmd)
	}
	if !cfg.OpenStdin || !cfg.AttachStdin || !cfg.AttachStdout {
		t.Error("expected stdin open and stdio attached")
	}
	if cfg.Tty {
		t.Error("tty must stay off so the daemon frames the attach stream")
	}
	if cfg.Labels[LabelManaged] != "true" || cfg.Labels[LabelSession] != "sess-1" {
		t.Errorf("labels = %v", cfg.Labels)
	}

	host := stub.createdHost
	if !host.AutoRemove {
		t.Error("expected auto-remove")
	}
	if len(host.Binds) != 2 || host.Binds[0] != spec.Binds[0] {
		t.Errorf("binds = %v", host.Binds)
	}
}

func TestDockerRuntime_StartFailureRemovesContainer(t *testing.T) {
	stub := &stubDocker{startErr: errors.New("oom")}
	rt := NewDockerRuntimeWithClient(stub, testLogger())

	_, err := rt.Start(context.Background(), StartSpec{SessionID: "sess-1", Image: "img"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, stub.startErr) {
		t.Errorf("expected wrapped start error, got %v", err)
	}
	if len(stub.removedIDs) != 1 {
		t.Fatalf("expected the created container to be removed, got %v", stub.removedIDs)
	}
	if !stub.removed[0].Force {
		t.Error("expected forced remove")
	}
}

func TestDockerRuntime_RemoveForces(t *testing.T) {
	stub := &stubDocker{}
	rt := NewDockerRuntimeWithClient(stub, testLogger())

	if err := rt.Remove(context.Background(), Handle{ID: "abc"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(stub.removedIDs) != 1 || stub.removedIDs[0] != "abc" {
		t.Fatalf("removed = %v", stub.removedIDs)
	}
	if !stub.removed[0].Force {
		t.Error("expected forced remove")
	}
}

func TestDockerRuntime_ListManagedFiltersByLabel(t *testing.T) {
	created := time.Now().Add(-time.Hour).Unix()
	stub := &stubDocker{
		listResult: []types.Container{
			{
				ID:      "c1",
				State:   "running",
				Created: created,
				Labels:  map[string]string{LabelManaged: "true", LabelSession: "sess-1"},
			},
			{
				ID:      "c2",
				State:   "exited",
				Created: created,
				Labels:  map[string]string{LabelManaged: "true", LabelSession: "sess-2"},
			},
		},
	}
	rt := NewDockerRuntimeWithClient(stub, testLogger())

	managed, err := rt.ListManaged(context.Background())
	if err != nil {
		t.Fatalf("ListManaged: %v", err)
	}

	if !stub.listOptions.All {
		t.Error("expected All=true so exited containers are reconciled too")
	}
	labels := stub.listOptions.Filters.Get("label")
	if len(labels) != 1 || labels[0] != LabelManaged+"=true" {
		t.Errorf("label filter = %v", labels)
	}

	if len(managed) != 2 {
		t.Fatalf("expected 2 managed containers, got %d", len(managed))
	}
	if managed[0].SessionID != "sess-1" || managed[0].State != "running" {
		t.Errorf("managed[0] = %+v", managed[0])
	}
	if !managed[1].CreatedAt.Equal(time.Unix(created, 0)) {
		t.Errorf("created at = %v", managed[1].CreatedAt)
	}
}

func TestDockerRuntime_AttachStream(t *testing.T) {
	stub := &stubDocker{}
	rt := NewDockerRuntimeWithClient(stub, testLogger())

	stream, err := rt.Attach(context.Background(), Handle{ID: "abc"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer stream.Close()

	// Writes chegam crus no outro lado da conexão.
	go func() {
		stream.Write([]byte("hello"))
	}()
	buf := make([]byte, 5)
	if _, err := io.ReadFull(stub.attachConn, buf); err != nil {
		t.Fatalf("reading peer: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("peer read %q", buf)
	}

	// Reads drenam o que o daemon enviar.
	go func() {
		stub.attachConn.Write([]byte("world"))
	}()
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("stream read %q", buf)
	}

	// Deadline vencida aborta o read.
	if err := stream.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if _, err := stream.Read(buf); err == nil {
		t.Error("expected deadline error")
	}
}

func TestDockerRuntime_CloseReleasesClient(t *testing.T) {
	stub := &stubDocker{}
	rt := NewDockerRuntimeWithClient(stub, testLogger())
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !stub.closed {
		t.Error("expected underlying client closed")
	}
}
