package wlmbase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgvBuilderOrdersFlagsBeforeTail(t *testing.T) {
	offset := 1
	argv := NewArgvBuilder("srun").
		HetGroup(&offset).
		NumPEs(4).
		Tail("/bin/tool", "--x").
		Build()

	require.Equal(t, []string{"srun", "--het-group=1", "-n4", "/bin/tool", "--x"}, argv)
}

func TestArgvBuilderSkipsNilHetGroup(t *testing.T) {
	argv := NewArgvBuilder("srun").HetGroup(nil).Tail("/bin/tool").Build()
	require.Equal(t, []string{"srun", "/bin/tool"}, argv)
}

func TestNodeListJoinsWithCommas(t *testing.T) {
	argv := NewArgvBuilder("srun").NodeList([]string{"nid001", "nid002"}).Build()
	require.Equal(t, []string{"srun", "--nodelist=nid001,nid002"}, argv)
}
