package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"

	"github.com/agentfleet/fleetd/internal/config"
	itls "github.com/agentfleet/fleetd/internal/tls"
	"github.com/agentfleet/fleetd/pkg/client"
)

// newAPIClient builds a client for --api-url, or for the address the
// configuration's server section listens on.
func newAPIClient(gf *GlobalFlags) *client.Client {
	cc := client.Config{BaseURL: gf.APIUrl, Timeout: gf.APITimeout}
	if cc.BaseURL == "" {
		if cfg, err := config.Load(gf.ConfigPath); err == nil {
			cc.BaseURL, cc.TLS = apiFromConfig(cfg.Server)
		}
	}
	return client.New(cc)
}

// apiFromConfig derives the daemon URL from a server section. Wildcard listen
// hosts are reached through loopback.
func apiFromConfig(s config.ServerConfig) (string, *client.TLSClientConfig) {
	listen := s.Listen
	if listen == "" {
		listen = config.DefaultListen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", nil
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	var tc *client.TLSClientConfig
	if s.TLS != nil && s.TLS.Enabled {
		scheme = "https"
		tc = &client.TLSClientConfig{}
		switch {
		case s.TLS.CertFile != "":
			tc.CACert = s.TLS.CertFile
		case s.TLS.Dir != "":
			tc.CACert = filepath.Join(s.TLS.Dir, itls.CACertFile)
		}
	}
	base := s.BasePath
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(base, "/"), tc
}

func runStatus(ctx context.Context, w io.Writer, gf *GlobalFlags, name string) error {
	c := newAPIClient(gf)
	if name != "" {
		st, err := c.Service(ctx, name)
		if err != nil {
			return err
		}
		if gf.JSON {
			return printJSON(w, st)
		}
		printServices(w, []client.ServiceState{st}, colorEnabled(w, gf.NoColor))
		return nil
	}
	states, err := c.Services(ctx)
	if err != nil {
		return err
	}
	if gf.JSON {
		return printJSON(w, states)
	}
	printServices(w, states, colorEnabled(w, gf.NoColor))
	return nil
}

func runJobsList(ctx context.Context, w io.Writer, gf *GlobalFlags) error {
	jobs, err := newAPIClient(gf).Jobs(ctx)
	if err != nil {
		return err
	}
	if gf.JSON {
		return printJSON(w, jobs)
	}
	printJobs(w, jobs, colorEnabled(w, gf.NoColor))
	return nil
}

func runJobRun(ctx context.Context, w io.Writer, gf *GlobalFlags, name string) error {
	run, err := newAPIClient(gf).RunJob(ctx, name)
	if gf.JSON && (err == nil || run.Job != "") {
		if perr := printJSON(w, run); perr != nil {
			return perr
		}
		return err
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "%s: %s in %s", run.Job, run.Status, formatMs(run.DurationMs))
	if run.Message != "" {
		_, _ = fmt.Fprintf(w, " (%s)", run.Message)
	}
	_, _ = fmt.Fprintln(w)
	if run.Error != "" {
		return fmt.Errorf("job %s: %s", run.Job, run.Error)
	}
	return nil
}

// runReconcile delegates to a running daemon when one answers; otherwise it
// runs the pass locally.
func runReconcile(ctx context.Context, w io.Writer, gf *GlobalFlags, rf *ReconcileFlags) error {
	if !rf.Local {
		c := newAPIClient(gf)
		if c.IsReachable(ctx) {
			res, err := c.Reconcile(ctx)
			var apiErr *client.APIError
			if err != nil && !errors.As(err, &apiErr) {
				return err
			}
			if gf.JSON {
				out := struct {
					Result *client.ReconcileResult `json:"result"`
					Error  string                  `json:"error,omitempty"`
				}{Result: res}
				if err != nil {
					out.Error = err.Error()
				}
				if perr := printJSON(w, out); perr != nil {
					return perr
				}
			} else {
				printReconcile(w, res)
			}
			return err
		}
	}
	rep, err := runLocalReconcile(ctx, w, gf)
	if err == nil && rep != nil && rep.Fatal() {
		err = errStartupFailed
	}
	return err
}
