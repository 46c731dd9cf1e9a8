package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/workspace"
	"github.com/rs/zerolog"
)

type LauncherConfig struct {
	MountPath string // in-container workspace path
	User      string
	CPUs      float64
	PidsLimit int64
}

// Launcher turns a request into a created, not yet started, container.
type Launcher struct {
	registry *languages.Registry
	runtime  Runtime
	conf     LauncherConfig
	logger   *zerolog.Logger
}

func NewLauncher(registry *languages.Registry, rt Runtime, conf LauncherConfig, logger *zerolog.Logger) *Launcher {
	return &Launcher{registry: registry, runtime: rt, conf: conf, logger: logger}
}

// Handle is a launched sandbox. Supervise starts it.
type Handle struct {
	Process   Process
	Workspace *workspace.Workspace
	Language  languages.Language
	Request   Request
}

// Launch writes the request's artifacts into ws and creates the container.
// An unknown language fails before ws is touched.
func (l *Launcher) Launch(ctx context.Context, req Request, ws *workspace.Workspace) (*Handle, error) {
	lang, err := l.registry.Get(req.Language)
	if err != nil {
		return nil, err
	}

	if err := ws.WriteFile(lang.Config.SourceFile, []byte(req.SourceCode)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkspaceWrite, err)
	}
	// Stdin only ever reaches the sandbox as a file.
	if err := ws.WriteFile(InputFile, []byte(req.Stdin)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkspaceWrite, err)
	}

	spec := ContainerSpec{
		Image:       lang.Config.Image,
		Cmd:         []string{"sh", "-c", lang.Script(InputFile, CompileMarker, CompileExitCode)},
		WorkingDir:  l.conf.MountPath,
		User:        l.conf.User,
		MountSource: ws.MountSource(),
		MountTarget: l.conf.MountPath,
		MemoryBytes: int64(req.MemoryLimitMb) << 20,
		NanoCPUs:    int64(l.conf.CPUs * 1e9),
		PidsLimit:   l.conf.PidsLimit,
		Labels: map[string]string{
			LabelWorkspace: ws.ID,
			LabelLanguage:  lang.ID,
		},
	}

	start := time.Now()
	proc, err := l.runtime.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(start).Milliseconds()))

	l.logger.Debug().
		Str("container", proc.ID()).
		Str("workspace", ws.ID).
		Str("language", lang.ID).
		Msg("sandbox launched")

	return &Handle{Process: proc, Workspace: ws, Language: lang, Request: req}, nil
}
