package session

import (
	"context"
	"fmt"

	"github.com/csai/fetch-proxy-agent/internal/control"
	"github.com/csai/fetch-proxy-agent/internal/target"
)

// Paths inside the build environment. These are part of the compatibility
// surface: pip and apt read their proxy settings from exactly these files.
const (
	targetCertPath = "/usr/local/share/ca-certificates/local-ca.crt"
	pipConfPath    = "/root/.pip/pip.conf"
	aptConfPath    = "/etc/apt/apt.conf.d/99proxy"
)

// Instrumentable is what the configurator needs from a build environment:
// the execution capabilities plus gateway resolution.
type Instrumentable interface {
	target.ExecutionTarget
	target.GatewayResolver
}

// Configurator rewires a build environment so all of its outbound package
// traffic goes through one proxy session: the CA certificate lands in the
// system trust store, pip/apt/snapd get proxy configuration, and stale
// package indexes are purged so the next refresh is observed by the proxy.
type Configurator struct {
	proxyPort int
	certPath  string
}

func NewConfigurator(proxyPort int, certPath string) *Configurator {
	return &Configurator{proxyPort: proxyPort, certPath: certPath}
}

// ProxyURL computes the session-scoped proxy endpoint as seen from the build
// environment.
func (c *Configurator) ProxyURL(gateway string, session control.SessionData) string {
	return fmt.Sprintf("http://%s:%s@%s:%d/", session.ID, session.Token, gateway, c.proxyPort)
}

// Configure instruments the environment and returns the variables that must
// accompany every subsequent command run in it. The variables are never
// installed ambiently. Any failed step aborts the whole operation: a
// partially trusted environment is not acceptable.
func (c *Configurator) Configure(ctx context.Context, tgt Instrumentable, session control.SessionData) (map[string]string, error) {
	gateway, err := tgt.Gateway(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}

	proxyURL := c.ProxyURL(gateway, session)
	env := map[string]string{
		"http_proxy":         proxyURL,
		"https_proxy":        proxyURL,
		"REQUESTS_CA_BUNDLE": targetCertPath,
		"CARGO_HTTP_CAINFO":  targetCertPath,
	}

	if err := tgt.PushFile(ctx, c.certPath, targetCertPath); err != nil {
		return nil, fmt.Errorf("install CA certificate: %w", err)
	}
	if err := tgt.Run(ctx, []string{"/bin/sh", "-c", "/usr/sbin/update-ca-certificates > /dev/null"}, target.RunOptions{}); err != nil {
		return nil, fmt.Errorf("refresh trust store: %w", err)
	}

	if err := tgt.Run(ctx, []string{"mkdir", "-p", "/root/.pip"}, target.RunOptions{}); err != nil {
		return nil, fmt.Errorf("create pip config dir: %w", err)
	}
	pipConf := fmt.Sprintf("[global]\nproxy = %s\n", proxyURL)
	if err := tgt.PushFileContent(ctx, pipConfPath, []byte(pipConf), 0o644); err != nil {
		return nil, fmt.Errorf("write pip config: %w", err)
	}

	if err := tgt.Run(ctx, []string{"systemctl", "restart", "snapd"}, target.RunOptions{}); err != nil {
		return nil, fmt.Errorf("restart snapd: %w", err)
	}
	if err := tgt.Run(ctx, []string{"snap", "set", "system", "proxy.http=" + proxyURL}, target.RunOptions{}); err != nil {
		return nil, fmt.Errorf("set snapd http proxy: %w", err)
	}
	if err := tgt.Run(ctx, []string{"snap", "set", "system", "proxy.https=" + proxyURL}, target.RunOptions{}); err != nil {
		return nil, fmt.Errorf("set snapd https proxy: %w", err)
	}

	// Purge pre-existing indexes so the refresh below is guaranteed to go
	// through the proxy and be inspected.
	if err := tgt.Run(ctx, []string{"/bin/rm", "-Rf", "/var/lib/apt/lists"}, target.RunOptions{}); err != nil {
		return nil, fmt.Errorf("purge apt lists: %w", err)
	}
	aptConf := fmt.Sprintf("Acquire::http::Proxy %q;\nAcquire::https::Proxy %q;\n", proxyURL, proxyURL)
	if err := tgt.PushFileContent(ctx, aptConfPath, []byte(aptConf), 0o644); err != nil {
		return nil, fmt.Errorf("write apt proxy config: %w", err)
	}
	if err := tgt.Run(ctx, []string{"apt", "update"}, target.RunOptions{Env: env}); err != nil {
		return nil, fmt.Errorf("refresh apt index: %w", err)
	}

	return env, nil
}
