package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const sessionRecordVersion1 = 1

var errInvalidRecordVersion = errors.New("invalid session record version")

func encodeSession(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(sessionRecordVersion1)

	for _, str := range []string{s.ID, s.AccountID} {
		if len(str) > 65535 {
			return nil, errors.New("session field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(str))); err != nil {
			return nil, err
		}
		buf.WriteString(str)
	}

	flags := byte(0)
	if s.PendingTwoFactor {
		flags |= 1
	}
	if s.TwoFactorVerified {
		flags |= 2
	}
	buf.WriteByte(flags)

	for _, t := range []time.Time{s.LoginAt, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, t.Unix()); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeSession(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionRecordVersion1 {
		return nil, errInvalidRecordVersion
	}

	s := &Session{}

	for _, field := range []*string{&s.ID, &s.AccountID} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		b := make([]byte, length)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, err
		}
		*field = string(b)
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	s.PendingTwoFactor = flags&1 != 0
	s.TwoFactorVerified = flags&2 != 0

	for _, field := range []*time.Time{&s.LoginAt, &s.ExpiresAt} {
		var unix int64
		if err := binary.Read(reader, binary.BigEndian, &unix); err != nil {
			return nil, err
		}
		*field = time.Unix(unix, 0).UTC()
	}

	return s, nil
}
