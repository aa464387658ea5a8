package vmpi

import (
	"bytes"

	"github.com/pc-1827/vmpi/wire"
)

// DBInfoFieldSize is the fixed width of every DBInfo field on the wire.
const DBInfoFieldSize = 128

// DBInfo is the job's database connection info. Fields are NUL-padded.
type DBInfo struct {
	HostName [DBInfoFieldSize]byte
	DBName   [DBInfoFieldSize]byte
	UserName [DBInfoFieldSize]byte
}

// NewDBInfo truncates each value so it keeps a terminating NUL.
func NewDBInfo(host, db, user string) DBInfo {
	var d DBInfo
	copy(d.HostName[:DBInfoFieldSize-1], host)
	copy(d.DBName[:DBInfoFieldSize-1], db)
	copy(d.UserName[:DBInfoFieldSize-1], user)
	return d
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (d DBInfo) Host() string     { return cstring(d.HostName[:]) }
func (d DBInfo) Database() string { return cstring(d.DBName[:]) }
func (d DBInfo) User() string     { return cstring(d.UserName[:]) }

func (d DBInfo) encode(b *wire.Buffer) {
	b.Write(d.HostName[:])
	b.Write(d.DBName[:])
	b.Write(d.UserName[:])
}

// decodeDBInfoReply reads "DBInfo | int32 jobPrimaryID".
func decodeDBInfoReply(b *wire.Buffer) (DBInfo, int32, error) {
	var raw [3 * DBInfoFieldSize]byte
	if err := b.ReadN(raw[:]); err != nil {
		return DBInfo{}, 0, err
	}
	id, err := b.ReadInt32()
	if err != nil {
		return DBInfo{}, 0, err
	}

	var d DBInfo
	copy(d.HostName[:], raw[:DBInfoFieldSize])
	copy(d.DBName[:], raw[DBInfoFieldSize:2*DBInfoFieldSize])
	copy(d.UserName[:], raw[2*DBInfoFieldSize:])
	return d, id, nil
}
