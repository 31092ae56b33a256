// Package spawntest runs syscall workloads against a mounted fake
// filesystem in a helper subprocess.
//
// Touching a FUSE mount from the process that serves it can deadlock,
// so tests keep the file operations in a child process and stay free
// to drive the fake server. The helper is the test binary itself,
// re-executed with a private flag; the test controls it over HTTP on
// a UNIX domain socket.
//
// Helpers are identified by names they pass to Registry.Register,
// from a top-level variable assignment. TestMain must call AddFlag
// before flag.Parse and RunIfNeeded after it.
package spawntest

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tv42/httpunix"

	"github.com/fakefuse/fakefuse/spawntest/httpjson"
)

// Registry keeps track of helpers.
//
// The zero value is ready to use.
type Registry struct {
	mu         sync.Mutex
	helpers    map[string]http.Handler
	runName    string
	runHandler http.Handler
}

// Register a helper in the registry. Register panics if the name is
// already taken.
func (r *Registry) Register(name string, h http.Handler) *Helper {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.helpers == nil {
		r.helpers = make(map[string]http.Handler)
	}
	if _, seen := r.helpers[name]; seen {
		panic("spawntest: helper already registered: " + name)
	}
	r.helpers[name] = h
	return &Helper{name: name}
}

type helperFlag struct {
	r *Registry
}

var _ flag.Value = helperFlag{}

func (hf helperFlag) String() string {
	if hf.r == nil {
		return ""
	}
	return hf.r.runName
}

func (hf helperFlag) Set(s string) error {
	h, ok := hf.r.helpers[s]
	if !ok {
		return errors.New("helper not found")
	}
	hf.r.runName = s
	hf.r.runHandler = h
	return nil
}

const flagName = "spawntest.internal.helper"

// AddFlag adds the command-line flag used to communicate between the
// test and the helper to the flag set, typically flag.CommandLine.
func (r *Registry) AddFlag(f *flag.FlagSet) {
	f.Var(helperFlag{r: r}, flagName, "internal use only")
}

// RunIfNeeded passes execution to the helper if the right
// command-line flag was seen. If running as the helper, the call does
// not return.
func (r *Registry) RunIfNeeded() {
	h := r.runHandler
	if h == nil {
		return
	}
	f := os.NewFile(3, "<control-socket>")
	l, err := net.FileListener(f)
	if err != nil {
		log.Fatalf("spawntest: cannot listen: %v", err)
	}
	if err := http.Serve(l, h); err != nil {
		log.Fatalf("spawntest: http server error: %v", err)
	}
	os.Exit(0)
}

// Helper is the result of registering a helper. It can be used by
// tests to spawn the helper.
type Helper struct {
	name string
}

type transportWithBase struct {
	Base      *url.URL
	Transport http.RoundTripper
}

var _ http.RoundTripper = (*transportWithBase)(nil)

func (t *transportWithBase) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL = t.Base.ResolveReference(req.URL)
	return t.Transport.RoundTrip(req)
}

func makeHTTPClient(path string) *http.Client {
	u := &httpunix.Transport{}
	const loc = "helper"
	u.RegisterLocation(loc, path)
	return &http.Client{
		Transport: &transportWithBase{
			Base: &url.URL{
				Scheme: httpunix.Scheme,
				Host:   loc,
			},
			Transport: u,
		},
	}
}

// Spawn the helper. Errors are reported via t and fatal ones end the
// test. The helper is killed when the control is closed or the
// context cancels.
func (h *Helper) Spawn(ctx context.Context, t testing.TB) *Control {
	t.Helper()
	executable, err := os.Executable()
	if err != nil {
		t.Fatalf("spawntest: cannot find our executable: %v", err)
	}

	dir, err := os.MkdirTemp("", "spawntest")
	if err != nil {
		t.Fatalf("spawntest: cannot make temp dir: %v", err)
	}
	defer func() {
		if dir != "" {
			if err := os.RemoveAll(dir); err != nil {
				t.Logf("error cleaning temp dir: %v", err)
			}
		}
	}()

	controlPath := filepath.Join(dir, "control")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: controlPath, Net: "unix"})
	if err != nil {
		t.Fatalf("spawntest: cannot open listener: %v", err)
	}
	l.SetUnlinkOnClose(false)
	defer l.Close()

	lf, err := l.File()
	if err != nil {
		t.Fatalf("spawntest: cannot get FD from listener: %v", err)
	}
	defer lf.Close()

	cmd := exec.CommandContext(ctx, executable, "-"+flagName+"="+h.name)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{lf}

	if err := cmd.Start(); err != nil {
		t.Fatalf("spawntest: cannot start helper: %v", err)
	}
	defer func() {
		if cmd != nil {
			if err := cmd.Process.Kill(); err != nil {
				t.Logf("error killing spawned helper: %v", err)
			}
		}
	}()

	c := &Control{
		t:    t,
		dir:  dir,
		cmd:  cmd,
		http: makeHTTPClient(controlPath),
	}
	dir = ""
	cmd = nil
	return c
}

// Control an instance of a helper running as a subprocess.
type Control struct {
	t    testing.TB
	dir  string
	cmd  *exec.Cmd
	http *http.Client
}

// Close kills the helper and frees resources.
func (c *Control) Close() {
	if c.cmd.ProcessState == nil {
		// not yet Waited on
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	if c.dir != "" {
		if err := os.RemoveAll(c.dir); err != nil {
			c.t.Logf("error cleaning temp dir: %v", err)
		}
		c.dir = ""
	}
}

// JSON returns a helper to make HTTP requests that pass data as JSON
// to the resource identified by path. Path can be empty to talk to
// the root resource.
func (c *Control) JSON(path string) *httpjson.Resource {
	return httpjson.JSON(c.http, path)
}
