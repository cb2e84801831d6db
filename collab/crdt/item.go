package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// A replica id. Random per document instance.
type ClientId = uint64

func NewClientId() ClientId {
	id := uuid.New()
	// 0 is reserved for the text head
	for {
		clientId := binary.BigEndian.Uint64(id[0:8])
		if clientId != 0 {
			return clientId
		}
		id = uuid.New()
	}
}

// ItemId is unique per item. Clocks start at 1 for each client.
type ItemId struct {
	Client ClientId
	Clock  uint64
}

// the zero id is the start of a text
var headId = ItemId{}

func (self ItemId) IsZero() bool {
	return self == headId
}

func (self ItemId) String() string {
	return fmt.Sprintf("%d:%d", self.Client, self.Clock)
}

type itemKind uint64

const (
	itemKindMapSet     itemKind = 1
	itemKindMapDelete  itemKind = 2
	itemKindTextInsert itemKind = 3
	itemKindTextDelete itemKind = 4
)

// Item is one immutable change. A document is the set of its items.
type Item struct {
	Id ItemId
	// orders concurrent changes, greater than every item the author had seen
	Lamport uint64
	Kind    itemKind
	// the map or text name
	Name string

	// map
	Key   string
	Value []byte

	// text insert
	Origin  ItemId
	Content string

	// text delete
	Target ItemId
}

// wins reports whether `self` orders after `other` for last-writer-wins
func (self *Item) wins(other *Item) bool {
	if self.Lamport != other.Lamport {
		return other.Lamport < self.Lamport
	}
	return other.Id.Client < self.Id.Client
}

// protowire field numbers
const (
	fieldUpdateItem protowire.Number = 1

	fieldItemClient       protowire.Number = 1
	fieldItemClock        protowire.Number = 2
	fieldItemLamport      protowire.Number = 3
	fieldItemKind         protowire.Number = 4
	fieldItemName         protowire.Number = 5
	fieldItemKey          protowire.Number = 6
	fieldItemValue        protowire.Number = 7
	fieldItemOriginClient protowire.Number = 8
	fieldItemOriginClock  protowire.Number = 9
	fieldItemContent      protowire.Number = 10
	fieldItemTargetClient protowire.Number = 11
	fieldItemTargetClock  protowire.Number = 12

	fieldStateVectorEntry protowire.Number = 1

	fieldEntryClient protowire.Number = 1
	fieldEntryClock  protowire.Number = 2
)

var ErrMalformed = errors.New("Malformed encoding")

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func encodeItem(item *Item) []byte {
	b := []byte{}
	b = appendVarintField(b, fieldItemClient, item.Id.Client)
	b = appendVarintField(b, fieldItemClock, item.Id.Clock)
	b = appendVarintField(b, fieldItemLamport, item.Lamport)
	b = appendVarintField(b, fieldItemKind, uint64(item.Kind))
	b = appendBytesField(b, fieldItemName, []byte(item.Name))
	b = appendBytesField(b, fieldItemKey, []byte(item.Key))
	b = appendBytesField(b, fieldItemValue, item.Value)
	b = appendVarintField(b, fieldItemOriginClient, item.Origin.Client)
	b = appendVarintField(b, fieldItemOriginClock, item.Origin.Clock)
	b = appendBytesField(b, fieldItemContent, []byte(item.Content))
	b = appendVarintField(b, fieldItemTargetClient, item.Target.Client)
	b = appendVarintField(b, fieldItemTargetClock, item.Target.Clock)
	return b
}

// calls `field` for each field of a message
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, v uint64, bytes []byte) error) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrMalformed
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrMalformed
			}
			b = b[n:]
			if err := field(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrMalformed
			}
			b = b[n:]
			if err := field(num, typ, 0, v); err != nil {
				return err
			}
		default:
			// skip unknown field types
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrMalformed
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeItem(b []byte) (*Item, error) {
	item := &Item{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v uint64, bytes []byte) error {
		switch num {
		case fieldItemClient:
			item.Id.Client = v
		case fieldItemClock:
			item.Id.Clock = v
		case fieldItemLamport:
			item.Lamport = v
		case fieldItemKind:
			item.Kind = itemKind(v)
		case fieldItemName:
			item.Name = string(bytes)
		case fieldItemKey:
			item.Key = string(bytes)
		case fieldItemValue:
			item.Value = append([]byte{}, bytes...)
		case fieldItemOriginClient:
			item.Origin.Client = v
		case fieldItemOriginClock:
			item.Origin.Clock = v
		case fieldItemContent:
			item.Content = string(bytes)
		case fieldItemTargetClient:
			item.Target.Client = v
		case fieldItemTargetClock:
			item.Target.Clock = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if item.Id.Client == 0 || item.Id.Clock == 0 {
		return nil, fmt.Errorf("%w: item id %s", ErrMalformed, item.Id)
	}
	switch item.Kind {
	case itemKindMapSet, itemKindMapDelete, itemKindTextInsert, itemKindTextDelete:
	default:
		return nil, fmt.Errorf("%w: item kind %d", ErrMalformed, item.Kind)
	}
	return item, nil
}

func encodeUpdate(items []*Item) []byte {
	b := []byte{}
	for _, item := range items {
		b = protowire.AppendTag(b, fieldUpdateItem, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeItem(item))
	}
	return b
}

func decodeUpdate(b []byte) ([]*Item, error) {
	items := []*Item{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v uint64, bytes []byte) error {
		if num != fieldUpdateItem || typ != protowire.BytesType {
			return nil
		}
		item, err := decodeItem(bytes)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// StateVector is the contiguous max clock per client.
type StateVector map[ClientId]uint64

func (self StateVector) Contains(id ItemId) bool {
	return id.Clock <= self[id.Client]
}

func EncodeStateVector(stateVector StateVector) []byte {
	b := []byte{}
	for client, clock := range stateVector {
		entry := appendVarintField(nil, fieldEntryClient, client)
		entry = appendVarintField(entry, fieldEntryClock, clock)
		b = protowire.AppendTag(b, fieldStateVectorEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func DecodeStateVector(b []byte) (StateVector, error) {
	stateVector := StateVector{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v uint64, bytes []byte) error {
		if num != fieldStateVectorEntry || typ != protowire.BytesType {
			return nil
		}
		var client ClientId
		var clock uint64
		err := consumeFields(bytes, func(num protowire.Number, typ protowire.Type, v uint64, bytes []byte) error {
			switch num {
			case fieldEntryClient:
				client = v
			case fieldEntryClock:
				clock = v
			}
			return nil
		})
		if err != nil {
			return err
		}
		stateVector[client] = max(stateVector[client], clock)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stateVector, nil
}
