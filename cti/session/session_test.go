package session_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/session"
)

func TestSessionGeneratesStageNameWhenUnset(t *testing.T) {
	os.Unsetenv("CTI_STAGE_NAME")

	a := app.NewApp(nil, app.WLMLocalhost, app.JobID{}, 0, nil, false)
	s := session.New(a, t.TempDir(), "/opt/cti/libexec/cti_be_daemon")

	require.Len(t, s.StageName(), 16)
	require.Equal(t, filepath.Join("/tmp/tools", s.StageName()), s.StagePath("/tmp/tools"))
}

func TestSessionHonorsStageNameOverride(t *testing.T) {
	os.Setenv("CTI_STAGE_NAME", "fixedstage")
	defer os.Unsetenv("CTI_STAGE_NAME")

	a := app.NewApp(nil, app.WLMLocalhost, app.JobID{}, 0, nil, false)
	s := session.New(a, t.TempDir(), "/opt/cti/libexec/cti_be_daemon")

	require.Equal(t, "fixedstage", s.StageName())
}

func TestWriteLaunchSidecarsCreatesLayoutAndPIDFiles(t *testing.T) {
	os.Setenv("CTI_STAGE_NAME", "sidecarstage")
	defer os.Unsetenv("CTI_STAGE_NAME")

	scratch := t.TempDir()
	a := app.NewApp(nil, app.WLMLocalhost, app.JobID{}, 0, nil, false)
	s := session.New(a, scratch, "/opt/cti/libexec/cti_be_daemon")

	layout := &app.StepLayout{NumPEs: 1, Nodes: []app.NodeLayout{{Hostname: "nid001", LocalPIDs: []int{100}}}}
	pt := app.ProcTable{{PID: 100, Hostname: "nid001", Executable: "/bin/a"}}

	require.NoError(t, s.WriteLaunchSidecars(layout, pt))

	require.FileExists(t, filepath.Join(scratch, "sidecarstage", "layout"))
	require.FileExists(t, filepath.Join(scratch, "sidecarstage", "pid"))
}

func TestCreateManifestUsesCurrentSeqNum(t *testing.T) {
	os.Unsetenv("CTI_STAGE_NAME")

	a := app.NewApp(nil, app.WLMLocalhost, app.JobID{}, 0, nil, false)
	s := session.New(a, t.TempDir(), "/opt/cti/libexec/cti_be_daemon")

	m := s.CreateManifest("/tmp/tools")
	require.Equal(t, 0, m.InstanceNumber())
	require.Equal(t, 0, s.SeqNum())
}
