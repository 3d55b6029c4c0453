// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DockerRuntime implementa Runtime sobre o Docker Engine API.
type DockerRuntime struct {
	cli    client.CommonAPIClient
	logger *slog.Logger
}

// NewDockerRuntime conecta ao daemon usando o ambiente (DOCKER_HOST etc.)
// com negociação de versão da API.
func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container daemon: %w", err)
	}
	return &DockerRuntime{
		cli:    cli,
		logger: logger.With("component", "docker"),
	}, nil
}

// NewDockerRuntimeWithClient injeta um client já construído. Usado em testes.
func NewDockerRuntimeWithClient(cli client.CommonAPIClient, logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{cli: cli, logger: logger.With("component", "docker")}
}

// Start cria e inicia o container do worker.
//
// O container roda detached com stdin aberto (o worker lê comandos por ele),
// sem TTY (para que o daemon aplique o framing de 8 bytes no attach) e com
// auto-remove, então um worker que sai limpa a si mesmo no daemon.
func (d *DockerRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		Tty:          false,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSession: spec.SessionID,
		},
	}
	hostCfg := &container.HostConfig{
		Binds:      spec.Binds,
		AutoRemove: true,
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return Handle{}, fmt.Errorf("creating worker container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Create sem start deixa lixo no daemon; remove antes de reportar.
		if rmErr := d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("removing unstarted container", "container", shortID(resp.ID), "error", rmErr)
		}
		return Handle{}, fmt.Errorf("starting worker container: %w", err)
	}

	d.logger.Debug("worker container started", "container", shortID(resp.ID), "session", spec.SessionID)
	return Handle{ID: resp.ID}, nil
}

// Attach abre o stream bidirecional com o container: stdin para os comandos,
// stdout para as respostas. Stderr fica de fora do pedido; se o daemon o
// incluir mesmo assim, o demux do pacote protocol o concatena ao texto.
func (d *DockerRuntime) Attach(ctx context.Context, h Handle) (Stream, error) {
	resp, err := d.cli.ContainerAttach(ctx, h.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to worker container: %w", err)
	}
	return &dockerStream{resp: resp}, nil
}

// Remove força a remoção do container no daemon.
func (d *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	if err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing worker container: %w", err)
	}
	return nil
}

// ListManaged lista os containers criados por este gateway, em qualquer
// estado, pelo filtro de label.
func (d *DockerRuntime) ListManaged(ctx context.Context) ([]Managed, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing managed containers: %w", err)
	}

	managed := make([]Managed, 0, len(list))
	for _, c := range list {
		managed = append(managed, Managed{
			ID:        c.ID,
			SessionID: c.Labels[LabelSession],
			State:     c.State,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return managed, nil
}

// Close libera a conexão com o daemon.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// dockerStream adapta a HijackedResponse do attach para a interface Stream.
// Reads passam pelo bufio.Reader da resposta (o hijack pode ter bufferizado
// bytes durante o upgrade); writes e deadlines vão direto na conexão.
type dockerStream struct {
	resp types.HijackedResponse
}

func (s *dockerStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *dockerStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *dockerStream) SetReadDeadline(t time.Time) error {
	return s.resp.Conn.SetReadDeadline(t)
}

func (s *dockerStream) Close() error {
	s.resp.Close()
	return nil
}

// shortID encurta ids de container para log, no estilo do CLI do daemon.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
