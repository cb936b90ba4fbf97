// Package pals implements the PALS Frontend variant (spec §4.5), driving
// the PALS REST API over net/http for shipping and starting the BE
// daemon (SPEC_FULL §12.4) and for kill, and mpiexec for launch.
package pals

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
	"github.com/common-tools-interface/cti-sub004/cti/fedaemon/client"
	"github.com/common-tools-interface/cti-sub004/cti/wlm/wlmbase"
	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

// Frontend is the PALS WLM backend.
type Frontend struct {
	wlmbase.Base
	launcherName string
	restBaseURL  string
	httpClient   *http.Client
}

// New constructs the PALS Frontend. restBaseURL is the PALS REST endpoint,
// fixed at construction (wlm.New passes $PALS_API_URL); apid-specific
// paths are appended to it per request.
func New(c *client.Client, log *logger.Logger, launcherName, restBaseURL string) *Frontend {
	if launcherName == "" {
		launcherName = "mpiexec"
	}

	return &Frontend{
		Base:         wlmbase.NewBase(app.WLMPALS, c, log),
		launcherName: launcherName,
		restBaseURL:  restBaseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Kind identifies this variant.
func (f *Frontend) Kind() app.WLMKind { return app.WLMPALS }

// Launch forks the job under mpiexec without MPIR.
func (f *Frontend) Launch(ctx context.Context, path string, argv, env []string, fds [3]int) (*app.App, error) {
	built := wlmbase.NewArgvBuilder(f.launcherName).Tail(append([]string{path}, argv...)...).Build()
	return f.Base.Launch(ctx, f, f.launcherName, built, env, fds)
}

// LaunchBarrier runs mpiexec under MPIR control and blocks at the startup
// barrier.
func (f *Frontend) LaunchBarrier(ctx context.Context, path string, argv, env []string, _ [3]int) (*app.App, error) {
	built := wlmbase.NewArgvBuilder(f.launcherName).Tail(append([]string{path}, argv...)...).Build()
	return f.Base.LaunchBarrier(ctx, f, f.launcherName, built, env)
}

// RegisterJob attaches to an already-running mpiexec pid.
func (f *Frontend) RegisterJob(ctx context.Context, launcherPID int) (*app.App, error) {
	return f.Base.RegisterJob(ctx, f, launcherPID)
}

// Kill posts a delete request to the PALS REST endpoint for the apid
// (spec §4.5 "PALS delete").
func (f *Frontend) Kill(a *app.App, _ int) error {
	req, err := http.NewRequest(http.MethodDelete, f.restBaseURL+"/apids/"+a.JobID().Primary, nil)
	if err != nil {
		return ctierr.Wrap(ctierr.DaemonLost, err, "building PALS delete request")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return ctierr.Wrap(ctierr.DaemonLost, err, "PALS delete apid %s", a.JobID().Primary)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return ctierr.New(ctierr.DaemonLost, "PALS delete apid %s: HTTP %d", a.JobID().Primary, resp.StatusCode)
	}

	return nil
}

// ShipPackage PUTs localTarPath to every node of the job over the PALS
// REST endpoint (spec §4.5 "PALS: PUT of the tar ... to every node").
func (f *Frontend) ShipPackage(a *app.App, toolPath, localTarPath string) error {
	data, err := os.ReadFile(localTarPath)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "reading %s", localTarPath)
	}

	url := f.restBaseURL + "/apids/" + a.JobID().Primary + "/files?path=" + toolPath

	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "building PALS PUT request")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "PUT %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return ctierr.New(ctierr.ShipFailed, "PUT %s: HTTP %d", url, resp.StatusCode)
	}

	return nil
}

type palsStartRequest struct {
	Path string   `json:"path"`
	Argv []string `json:"argv"`
	Env  []string `json:"env"`
}

// StartDaemon posts a start request for cti_be_daemon to the PALS REST
// endpoint, which fans it out one instance per node.
func (f *Frontend) StartDaemon(a *app.App, toolPath string, args app.BEDaemonArgs) error {
	beDaemonPath := toolPath + "/cti_be_daemon"
	apid := a.JobID().Primary

	argv := wlmbase.BEDaemonFlags("pals", toolPath, apid, args)

	body, err := json.Marshal(palsStartRequest{Path: beDaemonPath, Argv: argv, Env: args.Env})
	if err != nil {
		return err
	}

	url := f.restBaseURL + "/apids/" + a.JobID().Primary + "/exec"

	resp, err := f.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return ctierr.Wrap(ctierr.SpawnFailed, err, "POST %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return ctierr.New(ctierr.SpawnFailed, "POST %s: HTTP %d", url, resp.StatusCode)
	}

	return nil
}

type palsNode struct {
	Hostname string `json:"hostname"`
}

// ListHosts queries the PALS REST endpoint for the apid's node list.
func (f *Frontend) ListHosts(a *app.App) ([]string, error) {
	url := f.restBaseURL + "/apids/" + a.JobID().Primary + "/nodes"

	resp, err := f.httpClient.Get(url)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.DaemonLost, err, "GET %s", url)
	}
	defer resp.Body.Close()

	var nodes []palsNode
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, ctierr.Wrap(ctierr.DaemonProtocolError, err, "decoding PALS node list")
	}

	hosts := make([]string, len(nodes))
	for i, n := range nodes {
		hosts[i] = n.Hostname
	}

	return hosts, nil
}

// ExtraFiles reports no PALS-specific extras.
func (f *Frontend) ExtraFiles(_ *app.App) []string { return nil }

// IsRunning queries the PALS REST endpoint for the apid's state.
func (f *Frontend) IsRunning(a *app.App) (bool, error) {
	url := f.restBaseURL + "/apids/" + a.JobID().Primary

	resp, err := f.httpClient.Get(url)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}
