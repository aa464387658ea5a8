package vmpi

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pc-1827/vmpi/wire"
)

// handleInternal routes PacketInternal by its sub-packet ID.
func (s *Session) handleInternal(buf *wire.Buffer, source int, packetID byte) bool {
	if err := buf.Skip(1); err != nil {
		return false
	}
	sub, err := buf.ReadByte()
	if err != nil {
		return false
	}
	h := s.internal[sub]
	if h == nil {
		return false
	}
	return h(buf, source, packetID)
}

func (s *Session) handleMachineName(buf *wire.Buffer, source int, _ byte) bool {
	name, err := buf.ReadString()
	if err != nil {
		return false
	}
	if p := s.process(source); p != nil {
		p.setMachineName(name)
		logger.Infof("[%s] process %d is %s", p.Addr, source, name)
	}
	return true
}

func (s *Session) handleDirectories(buf *wire.Buffer, _ int, _ byte) bool {
	gameDir, err := buf.ReadString()
	if err != nil {
		return false
	}
	qDir, err := buf.ReadString()
	if err != nil {
		return false
	}

	s.mu.Lock()
	s.dirs = Directories{GameDir: gameDir, QDir: qDir}
	s.mu.Unlock()
	return true
}

func (s *Session) handleJobInfo(buf *wire.Buffer, _ int, _ byte) bool {
	var id uuid.UUID
	if err := buf.ReadN(id[:]); err != nil {
		return false
	}

	s.mu.Lock()
	s.jobID = id
	s.mu.Unlock()
	logger.Infof("joined job %s", id)
	return true
}

func (s *Session) handleJobWorkerID(buf *wire.Buffer, _ int, _ byte) bool {
	id, err := buf.ReadUint32()
	if err != nil {
		return false
	}
	s.jobWorkerID.Store(id)
	return true
}

func (s *Session) handleDBInfoRequest(_ *wire.Buffer, source int, _ byte) bool {
	if s.Mode != ModeMaster {
		return false
	}
	msg := NewMessage(PacketInternal, SubDBInfo)
	s.SessionOptions.DBInfo.encode(msg)
	msg.WriteInt32(s.JobPrimaryID)
	if err := s.SendData(msg.Bytes(), source, 0); err != nil {
		logger.Warningf("[%s] failed to send DB info: %s", s.label(source), err)
	}
	return true
}

// handleDBInfo sees every reply; RequestDBInfo decodes the one it waits for.
func (s *Session) handleDBInfo(buf *wire.Buffer, source int, _ byte) bool {
	info, _, err := decodeDBInfoReply(buf)
	if err != nil {
		return false
	}
	logger.Debugf("[%s] DB info: %s@%s/%s", s.label(source), info.User(), info.Host(), info.Database())
	return true
}

// RequestDBInfo asks the master for the job's database connection info and
// waits up to wait for the answer, servicing other traffic meanwhile.
func (s *Session) RequestDBInfo(wait time.Duration) (DBInfo, int32, error) {
	if s.Mode == ModeMaster {
		return s.SessionOptions.DBInfo, s.JobPrimaryID, nil
	}

	req := NewMessage(PacketInternal, SubDBInfoRequest)
	if err := s.SendData(req.Bytes(), MasterID, 0); err != nil {
		return DBInfo{}, 0, fmt.Errorf("failed to request DB info: %w", err)
	}

	pkt, ok := s.DispatchUntil(PacketInternal, int(SubDBInfo), wait)
	if !ok {
		return DBInfo{}, 0, fmt.Errorf("no DB info from master within %s", wait)
	}
	buf := pkt.Buffer()
	buf.Skip(2)
	info, jobPrimaryID, err := decodeDBInfoReply(buf)
	if err != nil {
		return DBInfo{}, 0, fmt.Errorf("malformed DB info from master: %w", err)
	}
	return info, jobPrimaryID, nil
}
