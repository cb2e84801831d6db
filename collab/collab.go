package collab

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Id is a ulid, so ids sort by creation time. The text form is a uuid.
// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := uuid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) String() string {
	return uuid.UUID(self).String()
}

// creation time, to the millisecond
func (self Id) Time() time.Time {
	return ulid.Time(ulid.ULID(self).Time())
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	id, err := ParseId(string(src))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// operation ids are `<prefix>-<id>`, e.g. `upd-0190...`
// the id sorts by creation time within a tab
func NewOperationId(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, NewId())
}

func OperationIdPrefix(operationId string) string {
	if i := strings.IndexByte(operationId, '-'); 0 <= i {
		return operationId[:i]
	}
	return ""
}
