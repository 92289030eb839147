// Package collector is the boundary to the external raw-data collector.
package collector

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"compass-pipeline/pkg/utils"
)

// Switches select what one collector invocation does. In normal use exactly
// one is set.
type Switches struct {
	Raw             bool `json:"raw"`
	IdentitiesLoad  bool `json:"identities_load"`
	IdentitiesMerge bool `json:"identities_merge"`
	Enrich          bool `json:"enrich"`
	Panels          bool `json:"panels"`
}

// Invocation is one call into the collector
type Invocation struct {
	ConfigPath string   `json:"config_path"`
	Backends   []string `json:"backends"`
	Switches   Switches `json:"switches"`
}

// Collector runs the external collector
type Collector interface {
	Run(ctx context.Context, inv Invocation) error
}

// Command runs the collector as a child process
type Command struct {
	Path   string
	Args   []string
	Logger *zap.Logger
}

// Argv renders the command line arguments of an invocation
func (inv Invocation) Argv() []string {
	argv := []string{"--config", inv.ConfigPath, "--backends", strings.Join(inv.Backends, ",")}
	for _, s := range []struct {
		on   bool
		flag string
	}{
		{inv.Switches.Raw, "--raw"},
		{inv.Switches.IdentitiesLoad, "--identities-load"},
		{inv.Switches.IdentitiesMerge, "--identities-merge"},
		{inv.Switches.Enrich, "--enrich"},
		{inv.Switches.Panels, "--panels"},
	} {
		if s.on {
			argv = append(argv, s.flag)
		}
	}
	return argv
}

func (c *Command) Run(ctx context.Context, inv Invocation) error {
	if inv.ConfigPath == "" {
		return eris.New("collector: config path is required")
	}
	args := append(append([]string(nil), c.Args...), inv.Argv()...)
	c.Logger.Debug("running collector", zap.String("path", c.Path), zap.Strings("args", args))

	if _, err := utils.RunCommand(ctx, c.Path, args, nil); err != nil {
		return eris.Wrap(err, "collector")
	}
	return nil
}
