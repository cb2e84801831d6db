package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// The file medium is the fallback for tabs that only share a directory.
// A message is written to a new file and removed after a short linger,
// the same write-then-remove signal as a shared storage key.

const fileTabMessageSuffix = ".msg"

type FileTabChannelSettings struct {
	// how long a message file stays before it is removed
	// listeners must read the file within this window
	Linger time.Duration
	// remembered message names, to drop duplicate create/write events
	SeenCapacity int
}

func DefaultFileTabChannelSettings() *FileTabChannelSettings {
	return &FileTabChannelSettings{
		Linger:       500 * time.Millisecond,
		SeenCapacity: 1024,
	}
}

type FileTabChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	dir     string
	watcher *fsnotify.Watcher

	callbacks *CallbackList[TabMessageFunction]
	seen      *BoundedIdSet

	settings *FileTabChannelSettings
}

func OpenFileTabChannelWithDefaults(ctx context.Context, dir string) (*FileTabChannel, error) {
	return OpenFileTabChannel(ctx, dir, DefaultFileTabChannelSettings())
}

func OpenFileTabChannel(ctx context.Context, dir string, settings *FileTabChannelSettings) (*FileTabChannel, error) {
	messageDir := filepath.Join(dir, "messages")
	if err := os.MkdirAll(messageDir, 0700); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(messageDir); err != nil {
		watcher.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &FileTabChannel{
		ctx:       cancelCtx,
		cancel:    cancel,
		dir:       messageDir,
		watcher:   watcher,
		callbacks: NewCallbackList[TabMessageFunction](),
		seen:      NewBoundedIdSet(settings.SeenCapacity),
		settings:  settings,
	}
	go channel.run()
	return channel, nil
}

func (self *FileTabChannel) run() {
	defer self.watcher.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, fileTabMessageSuffix) || strings.HasPrefix(name, ".") {
				continue
			}
			self.receive(event.Name, name)
		case err, ok := <-self.watcher.Errors:
			if !ok {
				return
			}
			glog.Infof("[tab]file watch error = %s\n", err)
		}
	}
}

func (self *FileTabChannel) receive(path string, name string) {
	if self.seen.Contains(name) {
		return
	}
	messageBytes, err := os.ReadFile(path)
	if err != nil {
		// removed after its linger
		glog.V(2).Infof("[tab]file message %s gone\n", name)
		return
	}
	message := &TabMessage{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		// partially written, a later write event will deliver it
		return
	}
	if !self.seen.Add(name) {
		return
	}
	for _, callback := range self.callbacks.Get() {
		HandleError(func() {
			callback(message)
		})
	}
}

func (self *FileTabChannel) Post(ctx context.Context, message *TabMessage) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s%s", message.Timestamp, NewId(), fileTabMessageSuffix)
	path := filepath.Join(self.dir, name)
	if err := writeFileAtomic(path, messageBytes); err != nil {
		return err
	}
	go func() {
		select {
		case <-time.After(self.settings.Linger):
		case <-self.ctx.Done():
		}
		os.Remove(path)
	}()
	return nil
}

func (self *FileTabChannel) Listen(callback TabMessageFunction) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

func (self *FileTabChannel) Close() error {
	self.cancel()
	return nil
}

// FileTabRegistry keeps one json file per tab.
type FileTabRegistry struct {
	dir string
}

func OpenFileTabRegistry(dir string) (*FileTabRegistry, error) {
	tabDir := filepath.Join(dir, "tabs")
	if err := os.MkdirAll(tabDir, 0700); err != nil {
		return nil, err
	}
	return &FileTabRegistry{
		dir: tabDir,
	}, nil
}

func (self *FileTabRegistry) AllTabs(ctx context.Context) ([]*TabInfo, error) {
	entries, err := os.ReadDir(self.dir)
	if err != nil {
		return nil, err
	}
	tabs := []*TabInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		tabBytes, err := os.ReadFile(filepath.Join(self.dir, entry.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		tab := &TabInfo{}
		if err := json.Unmarshal(tabBytes, tab); err != nil {
			continue
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

func (self *FileTabRegistry) PutTab(ctx context.Context, tab *TabInfo) error {
	tabBytes, err := json.Marshal(tab)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(self.dir, tab.Id+".json"), tabBytes)
}

func (self *FileTabRegistry) RemoveTab(ctx context.Context, tabId TabId) error {
	err := os.Remove(filepath.Join(self.dir, tabId+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// writes to a hidden temp file and renames, so readers never see a partial file
func writeFileAtomic(path string, b []byte) error {
	tmpPath := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.tmp", filepath.Base(path)))
	if err := os.WriteFile(tmpPath, b, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
