// Replicated document types. A document is a grow-only set of items.
// Map keys resolve last-writer-wins by (lamport, client).
// Text is an RGA sequence where each insert names the item it follows.
// Any two replicas that have integrated the same items render the same state,
// independent of the order the items arrived in.
package crdt

import (
	"encoding/json"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// origin is nil for local changes
type UpdateFunction = func(update []byte, origin any)

type updateCallback struct {
	id       int
	callback UpdateFunction
}

type textState struct {
	// origin -> inserts that follow it
	children map[ItemId][]*Item
	deleted  map[ItemId]bool
}

type Doc struct {
	clientId ClientId

	stateLock sync.Mutex
	lamport   uint64
	items     map[ItemId]*Item
	// items waiting on a dependency
	pending     map[ItemId]*Item
	stateVector StateVector
	// name -> key -> winning set or delete
	maps  map[string]map[string]*Item
	texts map[string]*textState

	callbackLock   sync.Mutex
	nextCallbackId int
	callbacks      []updateCallback
}

func NewDoc() *Doc {
	return NewDocWithClient(NewClientId())
}

func NewDocWithClient(clientId ClientId) *Doc {
	return &Doc{
		clientId:    clientId,
		items:       map[ItemId]*Item{},
		pending:     map[ItemId]*Item{},
		stateVector: StateVector{},
		maps:        map[string]map[string]*Item{},
		texts:       map[string]*textState{},
	}
}

func (self *Doc) ClientId() ClientId {
	return self.clientId
}

// OnUpdate is called with the encoded items each time the document changes.
// Returns an unsubscribe function.
func (self *Doc) OnUpdate(callback UpdateFunction) func() {
	self.callbackLock.Lock()
	defer self.callbackLock.Unlock()
	self.nextCallbackId += 1
	callbackId := self.nextCallbackId
	callbacks := slices.Clone(self.callbacks)
	self.callbacks = append(callbacks, updateCallback{id: callbackId, callback: callback})
	return func() {
		self.callbackLock.Lock()
		defer self.callbackLock.Unlock()
		i := slices.IndexFunc(self.callbacks, func(entry updateCallback) bool {
			return entry.id == callbackId
		})
		if 0 <= i {
			self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
		}
	}
}

func (self *Doc) emit(items []*Item, origin any) {
	if len(items) == 0 {
		return
	}
	var callbacks []updateCallback
	func() {
		self.callbackLock.Lock()
		defer self.callbackLock.Unlock()
		callbacks = self.callbacks
	}()
	if len(callbacks) == 0 {
		return
	}
	update := encodeUpdate(items)
	for _, entry := range callbacks {
		entry.callback(update, origin)
	}
}

// must be called with the state lock
func (self *Doc) newItem(kind itemKind, name string) *Item {
	self.lamport += 1
	return &Item{
		Id: ItemId{
			Client: self.clientId,
			Clock:  self.stateVector[self.clientId] + 1,
		},
		Lamport: self.lamport,
		Kind:    kind,
		Name:    name,
	}
}

// must be called with the state lock
func (self *Doc) text(name string) *textState {
	text, ok := self.texts[name]
	if !ok {
		text = &textState{
			children: map[ItemId][]*Item{},
			deleted:  map[ItemId]bool{},
		}
		self.texts[name] = text
	}
	return text
}

// must be called with the state lock
func (self *Doc) ready(item *Item) bool {
	if self.stateVector[item.Id.Client]+1 != item.Id.Clock {
		return false
	}
	switch item.Kind {
	case itemKindTextInsert:
		if item.Origin.IsZero() {
			return true
		}
		_, ok := self.items[item.Origin]
		return ok
	case itemKindTextDelete:
		_, ok := self.items[item.Target]
		return ok
	default:
		return true
	}
}

// must be called with the state lock
func (self *Doc) integrate(item *Item) {
	self.items[item.Id] = item
	self.stateVector[item.Id.Client] = item.Id.Clock
	self.lamport = max(self.lamport, item.Lamport)

	switch item.Kind {
	case itemKindMapSet, itemKindMapDelete:
		entries, ok := self.maps[item.Name]
		if !ok {
			entries = map[string]*Item{}
			self.maps[item.Name] = entries
		}
		if current, ok := entries[item.Key]; !ok || item.wins(current) {
			entries[item.Key] = item
		}
	case itemKindTextInsert:
		text := self.text(item.Name)
		children := append(text.children[item.Origin], item)
		// later inserts at the same origin render first
		slices.SortFunc(children, func(a *Item, b *Item) int {
			if a.wins(b) {
				return -1
			} else if b.wins(a) {
				return 1
			}
			return 0
		})
		text.children[item.Origin] = children
	case itemKindTextDelete:
		self.text(item.Name).deleted[item.Target] = true
	}
}

// runs `build` with the state lock and notifies with the items it integrated
func (self *Doc) transact(build func() []*Item) {
	var items []*Item
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		items = build()
	}()
	self.emit(items, nil)
}

// ApplyUpdate integrates remote items. Applying the same update again is a no-op.
func (self *Doc) ApplyUpdate(update []byte, origin any) error {
	items, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	integrated := []*Item{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, item := range items {
			if self.stateVector.Contains(item.Id) {
				continue
			}
			self.pending[item.Id] = item
		}

		for {
			progress := false
			for _, id := range sortedIds(maps.Keys(self.pending)) {
				item := self.pending[id]
				if self.ready(item) {
					delete(self.pending, id)
					self.integrate(item)
					integrated = append(integrated, item)
					progress = true
				}
			}
			if !progress {
				break
			}
		}
		if 0 < len(self.pending) {
			glog.V(2).Infof("[crdt]%d items waiting on dependencies\n", len(self.pending))
		}
	}()

	self.emit(integrated, origin)
	return nil
}

// EncodeUpdate encodes every integrated item.
func (self *Doc) EncodeUpdate() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return encodeUpdate(self.sortedItems(nil))
}

func (self *Doc) EncodeStateVector() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return EncodeStateVector(self.stateVector)
}

func (self *Doc) StateVector() StateVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	stateVector := StateVector{}
	maps.Copy(stateVector, self.stateVector)
	return stateVector
}

// DiffSince encodes the items not covered by the encoded state vector.
// The result is empty when the remote has everything.
func (self *Doc) DiffSince(encodedStateVector []byte) ([]byte, error) {
	stateVector, err := DecodeStateVector(encodedStateVector)
	if err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	items := self.sortedItems(stateVector)
	if len(items) == 0 {
		return []byte{}, nil
	}
	return encodeUpdate(items), nil
}

// must be called with the state lock
func (self *Doc) sortedItems(exclude StateVector) []*Item {
	items := []*Item{}
	for _, id := range sortedIds(maps.Keys(self.items)) {
		if exclude != nil && exclude.Contains(id) {
			continue
		}
		items = append(items, self.items[id])
	}
	return items
}

func sortedIds(ids []ItemId) []ItemId {
	slices.SortFunc(ids, func(a ItemId, b ItemId) int {
		if a.Client != b.Client {
			if a.Client < b.Client {
				return -1
			}
			return 1
		}
		if a.Clock < b.Clock {
			return -1
		} else if b.Clock < a.Clock {
			return 1
		}
		return 0
	})
	return ids
}

func (self *Doc) Map(name string) *Map {
	return &Map{
		doc:  self,
		name: name,
	}
}

func (self *Doc) Text(name string) *Text {
	return &Text{
		doc:  self,
		name: name,
	}
}

type docJson struct {
	Maps  map[string]map[string]json.RawMessage `json:"maps"`
	Texts map[string]string                     `json:"texts"`
}

// ToJSON renders the current visible state.
func (self *Doc) ToJSON() ([]byte, error) {
	var mapNames []string
	var textNames []string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		mapNames = maps.Keys(self.maps)
		textNames = maps.Keys(self.texts)
	}()

	out := docJson{
		Maps:  map[string]map[string]json.RawMessage{},
		Texts: map[string]string{},
	}
	for _, name := range mapNames {
		out.Maps[name] = self.Map(name).Entries()
	}
	for _, name := range textNames {
		out.Texts[name] = self.Text(name).String()
	}
	return json.Marshal(out)
}

type Map struct {
	doc  *Doc
	name string
}

func (self *Map) Set(key string, value any) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	self.doc.transact(func() []*Item {
		item := self.doc.newItem(itemKindMapSet, self.name)
		item.Key = key
		item.Value = valueJson
		self.doc.integrate(item)
		return []*Item{item}
	})
	return nil
}

func (self *Map) Delete(key string) {
	self.doc.transact(func() []*Item {
		current, ok := self.doc.maps[self.name][key]
		if !ok || current.Kind == itemKindMapDelete {
			return nil
		}
		item := self.doc.newItem(itemKindMapDelete, self.name)
		item.Key = key
		self.doc.integrate(item)
		return []*Item{item}
	})
}

func (self *Map) Get(key string) (json.RawMessage, bool) {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	item, ok := self.doc.maps[self.name][key]
	if !ok || item.Kind == itemKindMapDelete {
		return nil, false
	}
	return json.RawMessage(slices.Clone(item.Value)), true
}

// sorted
func (self *Map) Keys() []string {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	keys := []string{}
	for key, item := range self.doc.maps[self.name] {
		if item.Kind == itemKindMapSet {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (self *Map) Entries() map[string]json.RawMessage {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	entries := map[string]json.RawMessage{}
	for key, item := range self.doc.maps[self.name] {
		if item.Kind == itemKindMapSet {
			entries[key] = json.RawMessage(slices.Clone(item.Value))
		}
	}
	return entries
}

type Text struct {
	doc  *Doc
	name string
}

// must be called with the state lock
// visits every insert in document order, including deleted
func (self *Text) walk(visit func(item *Item, deleted bool)) {
	text, ok := self.doc.texts[self.name]
	if !ok {
		return
	}
	stack := slices.Clone(text.children[headId])
	slices.Reverse(stack)
	for 0 < len(stack) {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(item, text.deleted[item.Id])
		children := slices.Clone(text.children[item.Id])
		slices.Reverse(children)
		stack = append(stack, children...)
	}
}

// must be called with the state lock
func (self *Text) visible() []*Item {
	items := []*Item{}
	self.walk(func(item *Item, deleted bool) {
		if !deleted {
			items = append(items, item)
		}
	})
	return items
}

func (self *Text) String() string {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	runes := []rune{}
	for _, item := range self.visible() {
		runes = append(runes, []rune(item.Content)...)
	}
	return string(runes)
}

// in runes
func (self *Text) Len() int {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()
	return len(self.visible())
}

// Insert places `content` before the rune at `index`. The index is clamped to the text.
func (self *Text) Insert(index int, content string) {
	if content == "" {
		return
	}
	self.doc.transact(func() []*Item {
		visible := self.visible()
		index = min(max(index, 0), len(visible))
		origin := headId
		if 0 < index {
			origin = visible[index-1].Id
		}
		items := []*Item{}
		for _, r := range content {
			item := self.doc.newItem(itemKindTextInsert, self.name)
			item.Origin = origin
			item.Content = string(r)
			self.doc.integrate(item)
			items = append(items, item)
			origin = item.Id
		}
		return items
	})
}

func (self *Text) Delete(index int, length int) {
	self.doc.transact(func() []*Item {
		visible := self.visible()
		index = max(index, 0)
		end := min(index+length, len(visible))
		items := []*Item{}
		for i := index; i < end; i += 1 {
			item := self.doc.newItem(itemKindTextDelete, self.name)
			item.Target = visible[i].Id
			self.doc.integrate(item)
			items = append(items, item)
		}
		return items
	})
}
