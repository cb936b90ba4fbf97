// Package protocol implements the FE-daemon wire grammar (spec §4.3, C4):
// a fixed ReqType tag followed by a statically-known struct plus
// variable-length NUL-terminated string payloads, with list-of-strings
// payloads terminated by an empty string. Responses are fixed structs of
// known size per tag, with MPIRResp followed by its proctable records.
//
// This is hand-rolled binary encoding over stdlib encoding/binary rather
// than JSON/protobuf/gob: the wire format must stay a simple fixed-layout
// struct stream because a future C ABI sits on the other end of this
// exact byte stream (spec §4.3), the same constraint that keeps LXD's own
// fixed-layout structs (e.g. tar headers in lxd/cluster/recover.go) off
// of a general-purpose serialization library.
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ReqType tags a request (spec §4.3 request taxonomy, exhaustive).
type ReqType uint32

// Request tags.
const (
	ReqForkExecvpApp ReqType = iota + 1
	ReqForkExecvpUtil
	ReqLaunchMPIR
	ReqAttachMPIR
	ReqReleaseMPIR
	ReqRegisterApp
	ReqRegisterUtil
	ReqDeregisterApp
	ReqCheckApp
	ReqShutdown
)

// RespType tags a response.
type RespType uint32

// Response tags.
const (
	RespOK RespType = iota + 1
	RespPID
	RespMPIR
	RespBool
	RespError
)

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeInt32(w io.Writer, v int32) error { return writeUint32(w, uint32(v)) }

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func writeBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}

	_, err := w.Write([]byte{b})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}

	return buf[0] != 0, nil
}

func writeString(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}

	_, err := w.Write([]byte{0})
	return err
}

func readString(r *bufio.Reader) (string, error) {
	b, err := r.ReadBytes(0)
	if err != nil {
		return "", err
	}

	return string(b[:len(b)-1]), nil
}

func writeStringList(w io.Writer, list []string) error {
	for _, s := range list {
		if s == "" {
			return fmt.Errorf("protocol: empty string in list would be read back as terminator")
		}

		if err := writeString(w, s); err != nil {
			return err
		}
	}

	return writeString(w, "")
}

func readStringList(r *bufio.Reader) ([]string, error) {
	var out []string

	for {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}

		if s == "" {
			return out, nil
		}

		out = append(out, s)
	}
}

// ForkExecvpAppReq is the ForkExecvpApp request body. The stdin/stdout/
// stderr fds are not part of this byte stream; they follow it as an
// SCM_RIGHTS ancillary message in a separate sendmsg(2) call (see
// SendFds in fds.go).
type ForkExecvpAppReq struct {
	Path string
	Argv []string
	Env  []string
}

// Encode writes the tagged request.
func (req *ForkExecvpAppReq) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(ReqForkExecvpApp)); err != nil {
		return err
	}

	if err := writeString(w, req.Path); err != nil {
		return err
	}

	if err := writeStringList(w, req.Argv); err != nil {
		return err
	}

	return writeStringList(w, req.Env)
}

// DecodeForkExecvpAppBody decodes the body after the tag has been read.
func DecodeForkExecvpAppBody(r *bufio.Reader) (*ForkExecvpAppReq, error) {
	path, err := readString(r)
	if err != nil {
		return nil, err
	}

	argv, err := readStringList(r)
	if err != nil {
		return nil, err
	}

	env, err := readStringList(r)
	if err != nil {
		return nil, err
	}

	return &ForkExecvpAppReq{Path: path, Argv: argv, Env: env}, nil
}

// ForkExecvpUtilReq is the ForkExecvpUtil request body.
type ForkExecvpUtilReq struct {
	OwnerAppID uint64
	Sync       bool
	Path       string
	Argv       []string
	Env        []string
}

// Encode writes the tagged request.
func (req *ForkExecvpUtilReq) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(ReqForkExecvpUtil)); err != nil {
		return err
	}

	if err := writeUint64(w, req.OwnerAppID); err != nil {
		return err
	}

	if err := writeBool(w, req.Sync); err != nil {
		return err
	}

	if err := writeString(w, req.Path); err != nil {
		return err
	}

	if err := writeStringList(w, req.Argv); err != nil {
		return err
	}

	return writeStringList(w, req.Env)
}

// DecodeForkExecvpUtilBody decodes the body after the tag has been read.
func DecodeForkExecvpUtilBody(r *bufio.Reader) (*ForkExecvpUtilReq, error) {
	ownerAppID, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	sync, err := readBool(r)
	if err != nil {
		return nil, err
	}

	path, err := readString(r)
	if err != nil {
		return nil, err
	}

	argv, err := readStringList(r)
	if err != nil {
		return nil, err
	}

	env, err := readStringList(r)
	if err != nil {
		return nil, err
	}

	return &ForkExecvpUtilReq{OwnerAppID: ownerAppID, Sync: sync, Path: path, Argv: argv, Env: env}, nil
}

// LaunchMPIRReq is the LaunchMPIR (fork+MPIR) request body; AttachMPIR
// uses AttachMPIRReq instead.
type LaunchMPIRReq struct {
	Path string
	Argv []string
	Env  []string
}

// Encode writes the request tagged ReqLaunchMPIR.
func (req *LaunchMPIRReq) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(ReqLaunchMPIR)); err != nil {
		return err
	}

	if err := writeString(w, req.Path); err != nil {
		return err
	}

	if err := writeStringList(w, req.Argv); err != nil {
		return err
	}

	return writeStringList(w, req.Env)
}

// DecodeLaunchMPIRBody decodes the body after the tag has been read.
func DecodeLaunchMPIRBody(r *bufio.Reader) (*LaunchMPIRReq, error) {
	path, err := readString(r)
	if err != nil {
		return nil, err
	}

	argv, err := readStringList(r)
	if err != nil {
		return nil, err
	}

	env, err := readStringList(r)
	if err != nil {
		return nil, err
	}

	return &LaunchMPIRReq{Path: path, Argv: argv, Env: env}, nil
}

// AttachMPIRReq is the AttachMPIR request body.
type AttachMPIRReq struct {
	PID int32
}

// Encode writes the tagged request.
func (req *AttachMPIRReq) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(ReqAttachMPIR)); err != nil {
		return err
	}

	return writeInt32(w, req.PID)
}

// DecodeAttachMPIRBody decodes the body after the tag has been read.
func DecodeAttachMPIRBody(r *bufio.Reader) (*AttachMPIRReq, error) {
	pid, err := readInt32(r)
	if err != nil {
		return nil, err
	}

	return &AttachMPIRReq{PID: pid}, nil
}

// ReleaseMPIRReq is the ReleaseMPIR request body.
type ReleaseMPIRReq struct {
	MPIRID uint64
}

// Encode writes the tagged request.
func (req *ReleaseMPIRReq) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(ReqReleaseMPIR)); err != nil {
		return err
	}

	return writeUint64(w, req.MPIRID)
}

// DecodeReleaseMPIRBody decodes the body after the tag has been read.
func DecodeReleaseMPIRBody(r *bufio.Reader) (*ReleaseMPIRReq, error) {
	id, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	return &ReleaseMPIRReq{MPIRID: id}, nil
}

// RegisterAppReq is the RegisterApp request body.
type RegisterAppReq struct {
	PID int32
}

// Encode writes the tagged request.
func (req *RegisterAppReq) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(ReqRegisterApp)); err != nil {
		return err
	}

	return writeInt32(w, req.PID)
}

// DecodeRegisterAppBody decodes the body after the tag has been read.
func DecodeRegisterAppBody(r *bufio.Reader) (*RegisterAppReq, error) {
	pid, err := readInt32(r)
	if err != nil {
		return nil, err
	}

	return &RegisterAppReq{PID: pid}, nil
}

// RegisterUtilReq is the RegisterUtil request body.
type RegisterUtilReq struct {
	OwnerAppID uint64
	UtilPID    int32
}

// Encode writes the tagged request.
func (req *RegisterUtilReq) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(ReqRegisterUtil)); err != nil {
		return err
	}

	if err := writeUint64(w, req.OwnerAppID); err != nil {
		return err
	}

	return writeInt32(w, req.UtilPID)
}

// DecodeRegisterUtilBody decodes the body after the tag has been read.
func DecodeRegisterUtilBody(r *bufio.Reader) (*RegisterUtilReq, error) {
	ownerAppID, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	pid, err := readInt32(r)
	if err != nil {
		return nil, err
	}

	return &RegisterUtilReq{OwnerAppID: ownerAppID, UtilPID: pid}, nil
}

// AppIDReq is the body shared by DeregisterApp and CheckApp.
type AppIDReq struct {
	AppID uint64
	tag   ReqType
}

// NewDeregisterAppReq builds a DeregisterApp request.
func NewDeregisterAppReq(appID uint64) *AppIDReq { return &AppIDReq{AppID: appID, tag: ReqDeregisterApp} }

// NewCheckAppReq builds a CheckApp request.
func NewCheckAppReq(appID uint64) *AppIDReq { return &AppIDReq{AppID: appID, tag: ReqCheckApp} }

// Encode writes the tagged request.
func (req *AppIDReq) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(req.tag)); err != nil {
		return err
	}

	return writeUint64(w, req.AppID)
}

// DecodeAppIDBody decodes the body after the tag has been read.
func DecodeAppIDBody(r *bufio.Reader) (uint64, error) {
	return readUint64(r)
}

// ReadTag reads the leading ReqType tag of a request, or RespType of a
// response, off the wire.
func ReadTag(r *bufio.Reader) (uint32, error) {
	return readUint32(r)
}

// EncodeShutdown writes a bare Shutdown request (no payload).
func EncodeShutdown(w io.Writer) error {
	return writeUint32(w, uint32(ReqShutdown))
}

// ProcTableRecord is one proctable entry as carried in an MPIRResp.
type ProcTableRecord struct {
	PID        int32
	Hostname   string
	Executable string
}

// OKResp is the empty-payload success response.
type OKResp struct{}

// Encode writes a tagged OK response.
func (r *OKResp) Encode(w io.Writer) error { return writeUint32(w, uint32(RespOK)) }

// PIDResp carries a child pid.
type PIDResp struct{ PID int32 }

// Encode writes a tagged PID response.
func (r *PIDResp) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(RespPID)); err != nil {
		return err
	}

	return writeInt32(w, r.PID)
}

// DecodePIDRespBody decodes the body after the tag has been read.
func DecodePIDRespBody(r *bufio.Reader) (*PIDResp, error) {
	pid, err := readInt32(r)
	if err != nil {
		return nil, err
	}

	return &PIDResp{PID: pid}, nil
}

// BoolResp carries a single boolean (CheckApp's "running?").
type BoolResp struct{ Value bool }

// Encode writes a tagged bool response.
func (r *BoolResp) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(RespBool)); err != nil {
		return err
	}

	return writeBool(w, r.Value)
}

// DecodeBoolRespBody decodes the body after the tag has been read.
func DecodeBoolRespBody(r *bufio.Reader) (*BoolResp, error) {
	v, err := readBool(r)
	if err != nil {
		return nil, err
	}

	return &BoolResp{Value: v}, nil
}

// ErrorResp carries a failure message; any I/O error on the request socket
// itself is fatal (spec §4.3) and is not represented here — this is for
// well-formed request failures (e.g. SpawnFailed).
type ErrorResp struct{ Message string }

// Encode writes a tagged error response.
func (r *ErrorResp) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(RespError)); err != nil {
		return err
	}

	return writeString(w, r.Message)
}

// DecodeErrorRespBody decodes the body after the tag has been read.
func DecodeErrorRespBody(r *bufio.Reader) (*ErrorResp, error) {
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}

	return &ErrorResp{Message: msg}, nil
}

// MPIRResp carries the result of LaunchMPIR/AttachMPIR: the mpir session
// id, launcher pid, job/step identifiers, and the extracted proctable
// (spec §4.3: "MPIRResp is followed by num_pids records of pid + NUL-
// terminated hostname + NUL-terminated executable").
type MPIRResp struct {
	MPIRID      uint64
	LauncherPID int32
	JobID       string
	StepID      string
	Proctable   []ProcTableRecord
}

// Encode writes a tagged MPIR response.
func (r *MPIRResp) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(RespMPIR)); err != nil {
		return err
	}

	if err := writeUint64(w, r.MPIRID); err != nil {
		return err
	}

	if err := writeInt32(w, r.LauncherPID); err != nil {
		return err
	}

	if err := writeString(w, r.JobID); err != nil {
		return err
	}

	if err := writeString(w, r.StepID); err != nil {
		return err
	}

	if err := writeUint32(w, uint32(len(r.Proctable))); err != nil {
		return err
	}

	for _, rec := range r.Proctable {
		if err := writeInt32(w, rec.PID); err != nil {
			return err
		}

		if err := writeString(w, rec.Hostname); err != nil {
			return err
		}

		if err := writeString(w, rec.Executable); err != nil {
			return err
		}
	}

	return nil
}

// DecodeMPIRRespBody decodes the body after the tag has been read.
func DecodeMPIRRespBody(r *bufio.Reader) (*MPIRResp, error) {
	id, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	launcherPID, err := readInt32(r)
	if err != nil {
		return nil, err
	}

	jobID, err := readString(r)
	if err != nil {
		return nil, err
	}

	stepID, err := readString(r)
	if err != nil {
		return nil, err
	}

	numPIDs, err := readUint32(r)
	if err != nil {
		return nil, err
	}

	resp := &MPIRResp{MPIRID: id, LauncherPID: launcherPID, JobID: jobID, StepID: stepID}

	for i := uint32(0); i < numPIDs; i++ {
		pid, err := readInt32(r)
		if err != nil {
			return nil, err
		}

		host, err := readString(r)
		if err != nil {
			return nil, err
		}

		exe, err := readString(r)
		if err != nil {
			return nil, err
		}

		resp.Proctable = append(resp.Proctable, ProcTableRecord{PID: pid, Hostname: host, Executable: exe})
	}

	return resp, nil
}

// NewReader wraps r in a *bufio.Reader suitable for the Decode* functions.
func NewReader(r io.Reader) *bufio.Reader { return bufio.NewReader(r) }
