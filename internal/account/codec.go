package account

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	accountRecordVersion1  = 1
	backupBatchVersion1    = 1
	maxEncodedStringLength = 65535
)

var (
	errInvalidRecordVersion = errors.New("invalid account record version")
	errInvalidBatchVersion  = errors.New("invalid backup code batch version")
)

func encodeAccount(a *Account) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(accountRecordVersion1)

	for _, s := range []string{
		a.ID, a.Email, a.PasswordHash, a.FirstName, a.LastName,
		a.GoogleID, string(a.Provider), a.TwoFactor.Secret,
	} {
		if err := writeString(&buf, s); err != nil {
			return nil, err
		}
	}

	writeBool(&buf, a.Active)
	writeBool(&buf, a.TwoFactor.Enabled)

	for _, t := range []time.Time{
		a.CreatedAt, a.UpdatedAt, a.LastLoginAt, a.LockedUntil, a.TwoFactor.EnabledAt,
	} {
		writeTime(&buf, t)
	}

	if err := binary.Write(&buf, binary.BigEndian, a.FailedLogins); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeAccount(data []byte) (*Account, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != accountRecordVersion1 {
		return nil, errInvalidRecordVersion
	}

	a := &Account{}

	strs := make([]string, 8)
	for i := range strs {
		s, err := readString(reader)
		if err != nil {
			return nil, err
		}
		strs[i] = s
	}
	a.ID = strs[0]
	a.Email = strs[1]
	a.PasswordHash = strs[2]
	a.FirstName = strs[3]
	a.LastName = strs[4]
	a.GoogleID = strs[5]
	a.Provider = Provider(strs[6])
	a.TwoFactor.Secret = strs[7]

	if a.Active, err = readBool(reader); err != nil {
		return nil, err
	}
	if a.TwoFactor.Enabled, err = readBool(reader); err != nil {
		return nil, err
	}

	times := make([]time.Time, 5)
	for i := range times {
		t, err := readTime(reader)
		if err != nil {
			return nil, err
		}
		times[i] = t
	}
	a.CreatedAt = times[0]
	a.UpdatedAt = times[1]
	a.LastLoginAt = times[2]
	a.LockedUntil = times[3]
	a.TwoFactor.EnabledAt = times[4]

	if err := binary.Read(reader, binary.BigEndian, &a.FailedLogins); err != nil {
		return nil, err
	}

	return a, nil
}

func encodeBackupCodes(codes []BackupCode) ([]byte, error) {
	if len(codes) > 255 {
		return nil, errors.New("backup code batch too large")
	}

	var buf bytes.Buffer
	buf.WriteByte(backupBatchVersion1)
	buf.WriteByte(byte(len(codes)))

	for _, code := range codes {
		buf.Write(code.Hash[:])
		writeTime(&buf, code.UsedAt)
	}

	return buf.Bytes(), nil
}

func decodeBackupCodes(data []byte) ([]BackupCode, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != backupBatchVersion1 {
		return nil, errInvalidBatchVersion
	}

	count, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	codes := make([]BackupCode, 0, count)
	for i := 0; i < int(count); i++ {
		var code BackupCode
		if _, err := io.ReadFull(reader, code.Hash[:]); err != nil {
			return nil, err
		}
		if code.UsedAt, err = readTime(reader); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}

	return codes, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxEncodedStringLength {
		return errors.New("string field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var length uint16
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", err
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(reader, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(reader *bytes.Reader) (bool, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Zero times encode as 0 so that "never" round-trips without depending on
// time.Time's internal zero representation.
func writeTime(buf *bytes.Buffer, t time.Time) {
	var unix int64
	if !t.IsZero() {
		unix = t.Unix()
	}
	_ = binary.Write(buf, binary.BigEndian, unix)
}

func readTime(reader *bytes.Reader) (time.Time, error) {
	var unix int64
	if err := binary.Read(reader, binary.BigEndian, &unix); err != nil {
		return time.Time{}, err
	}
	if unix == 0 {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0).UTC(), nil
}
