package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// Redis carries tab messages between processes or hosts.
// Messages use pub/sub on `collab:tabs:<name>:channel`,
// the registry is the hash `collab:tabs:<name>:registry`.

func redisTabChannelKey(name string) string {
	return fmt.Sprintf("collab:tabs:%s:channel", name)
}

func redisTabRegistryKey(name string) string {
	return fmt.Sprintf("collab:tabs:%s:registry", name)
}

type RedisTabChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	client *redis.Client
	name   string
}

func NewRedisTabChannel(ctx context.Context, client *redis.Client, name string) *RedisTabChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisTabChannel{
		ctx:    cancelCtx,
		cancel: cancel,
		client: client,
		name:   name,
	}
}

func (self *RedisTabChannel) Post(ctx context.Context, message *TabMessage) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return self.client.Publish(ctx, redisTabChannelKey(self.name), messageBytes).Err()
}

func (self *RedisTabChannel) Listen(callback TabMessageFunction) func() {
	listenCtx, listenCancel := context.WithCancel(self.ctx)
	pubsub := self.client.Subscribe(listenCtx, redisTabChannelKey(self.name))
	// wait for the subscription so messages posted after `Listen` returns are delivered
	if _, err := pubsub.Receive(listenCtx); err != nil {
		glog.Infof("[tab]redis subscribe %s error = %s\n", self.name, err)
	}

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-listenCtx.Done():
				return
			case m, ok := <-messages:
				if !ok {
					return
				}
				message := &TabMessage{}
				if err := json.Unmarshal([]byte(m.Payload), message); err != nil {
					glog.Infof("[tab]redis bad message = %s\n", err)
					continue
				}
				HandleError(func() {
					callback(message)
				})
			}
		}
	}()

	return listenCancel
}

func (self *RedisTabChannel) Close() error {
	self.cancel()
	return nil
}

type RedisTabRegistry struct {
	client *redis.Client
	name   string
}

func NewRedisTabRegistry(client *redis.Client, name string) *RedisTabRegistry {
	return &RedisTabRegistry{
		client: client,
		name:   name,
	}
}

func (self *RedisTabRegistry) AllTabs(ctx context.Context) ([]*TabInfo, error) {
	values, err := self.client.HGetAll(ctx, redisTabRegistryKey(self.name)).Result()
	if err != nil {
		return nil, err
	}
	tabs := []*TabInfo{}
	for _, value := range values {
		tab := &TabInfo{}
		if err := json.Unmarshal([]byte(value), tab); err != nil {
			continue
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

func (self *RedisTabRegistry) PutTab(ctx context.Context, tab *TabInfo) error {
	tabBytes, err := json.Marshal(tab)
	if err != nil {
		return err
	}
	return self.client.HSet(ctx, redisTabRegistryKey(self.name), tab.Id, tabBytes).Err()
}

func (self *RedisTabRegistry) RemoveTab(ctx context.Context, tabId TabId) error {
	return self.client.HDel(ctx, redisTabRegistryKey(self.name), tabId).Err()
}
