package main

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"creativepipe/internal/config"
	"creativepipe/internal/daemon"
	"creativepipe/internal/store"
)

type commandContext struct {
	configFlag  *string
	gatewayFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, gatewayFlag *string) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		gatewayFlag: gatewayFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) withStore(ctx context.Context, fn func(store.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := daemon.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

// gatewayURL resolves the base URL for gateway requests. Wildcard binds are
// dialled on loopback.
func (c *commandContext) gatewayURL() (string, error) {
	if c.gatewayFlag != nil {
		if flag := strings.TrimRight(strings.TrimSpace(*c.gatewayFlag), "/"); flag != "" {
			return flag, nil
		}
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return "http://" + dialAddress(cfg.Gateway.Bind), nil
}

func dialAddress(bind string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(bind))
	if err != nil {
		return bind
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
