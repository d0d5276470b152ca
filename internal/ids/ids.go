package ids

import (
	"errors"
	"strconv"
	"time"

	"github.com/sony/sonyflake"
)

// Generator hands out time-ordered unique ids.
type Generator struct {
	sf *sonyflake.Sonyflake
}

// New uses a fixed machine id so startup does not depend on finding a
// private IPv4 address.
func New(machineID uint16) (*Generator, error) {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if sf == nil {
		return nil, errors.New("ids: sonyflake init failed")
	}
	return &Generator{sf: sf}, nil
}

func (g *Generator) Next() (int64, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}

func (g *Generator) NextString() (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}
