// Package sidecar implements the layout/pid sidecar file wire format
// written by a WLM Frontend at barrier-launch time and read back by the
// BE daemon once its manifest has been extracted (spec §4.5 "Launch (at
// barrier)", §6 "Sidecar file formats"). Both records are little-endian
// and packed, matching the fixed layout a C reader expects.
package sidecar

import (
	"encoding/binary"
	"os"

	"github.com/common-tools-interface/cti-sub004/cti/app"
	"github.com/common-tools-interface/cti-sub004/cti/ctierr"
)

// hostFieldLen is the fixed width of a layout record's host name field
// (spec §6: "char host[64]").
const hostFieldLen = 64

// nodeRecordLen is sizeof(struct{ char host[64]; int32 pes_here; int32 first_pe; }).
const nodeRecordLen = hostFieldLen + 4 + 4

// WriteLayout writes the layout sidecar: header{int32 num_nodes} then one
// {host[64], pes_here, first_pe} record per node (spec §6).
func WriteLayout(path string, layout *app.StepLayout) error {
	buf := make([]byte, 4+nodeRecordLen*len(layout.Nodes))

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(layout.Nodes)))

	off := 4
	for _, n := range layout.Nodes {
		rec := buf[off : off+nodeRecordLen]
		copy(rec[0:hostFieldLen], n.Hostname) // zero-padded; truncated if longer than 63 bytes
		binary.LittleEndian.PutUint32(rec[hostFieldLen:hostFieldLen+4], uint32(len(n.LocalPIDs)))
		binary.LittleEndian.PutUint32(rec[hostFieldLen+4:hostFieldLen+8], uint32(n.FirstPE))
		off += nodeRecordLen
	}

	return writeFile(path, buf)
}

// WritePID writes the pid sidecar: header{int32 num_pids} then one
// {int32 pid} record per rank, in ProcTable order (spec §6).
func WritePID(path string, pt app.ProcTable) error {
	buf := make([]byte, 4+4*len(pt))

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(pt)))

	off := 4
	for _, e := range pt {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(e.PID))
		off += 4
	}

	return writeFile(path, buf)
}

func writeFile(path string, buf []byte) error {
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return ctierr.Wrap(ctierr.ShipFailed, err, "writing sidecar file %s", path)
	}

	return nil
}

// NodeRecord is one decoded layout-file entry.
type NodeRecord struct {
	Hostname string
	PEsHere  int
	FirstPE  int
}

// ReadLayout decodes a layout sidecar written by WriteLayout.
func ReadLayout(path string) ([]NodeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.ExtractFailed, err, "reading layout file %s", path)
	}

	if len(data) < 4 {
		return nil, ctierr.New(ctierr.ExtractFailed, "layout file %s: truncated header", path)
	}

	numNodes := int(binary.LittleEndian.Uint32(data[0:4]))
	want := 4 + nodeRecordLen*numNodes

	if len(data) < want {
		return nil, ctierr.New(ctierr.ExtractFailed, "layout file %s: truncated body", path)
	}

	out := make([]NodeRecord, numNodes)

	off := 4
	for i := range out {
		rec := data[off : off+nodeRecordLen]

		end := hostFieldLen
		for end > 0 && rec[end-1] == 0 {
			end--
		}

		out[i] = NodeRecord{
			Hostname: string(rec[:end]),
			PEsHere:  int(binary.LittleEndian.Uint32(rec[hostFieldLen : hostFieldLen+4])),
			FirstPE:  int(binary.LittleEndian.Uint32(rec[hostFieldLen+4 : hostFieldLen+8])),
		}
		off += nodeRecordLen
	}

	return out, nil
}

// ReadPID decodes a pid sidecar written by WritePID.
func ReadPID(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ctierr.Wrap(ctierr.ExtractFailed, err, "reading pid file %s", path)
	}

	if len(data) < 4 {
		return nil, ctierr.New(ctierr.ExtractFailed, "pid file %s: truncated header", path)
	}

	numPIDs := int(binary.LittleEndian.Uint32(data[0:4]))
	want := 4 + 4*numPIDs

	if len(data) < want {
		return nil, ctierr.New(ctierr.ExtractFailed, "pid file %s: truncated body", path)
	}

	out := make([]int, numPIDs)

	off := 4
	for i := range out {
		out[i] = int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}

	return out, nil
}
