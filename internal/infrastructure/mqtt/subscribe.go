package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe routes messages matching a fleet topic or pattern (with +
// for the device or node segment) to handler. The QoS follows the same
// rule as publishing on that topic. The subscription is restored after a
// reconnect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	kind, err := classify(topic, true)
	if err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = handler
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, c.deliveryFor(kind).qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// SubscriptionCount returns how many topics are being restored on reconnect.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// restoreSubscriptions re-issues every tracked subscription and returns
// how many there were. Errors surface through the handlers going quiet,
// so they are only logged.
func (c *Client) restoreSubscriptions() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, handler := range c.subscriptions {
		topic := topic
		kind, err := classify(topic, true)
		if err != nil {
			continue
		}
		token := c.client.Subscribe(topic, c.deliveryFor(kind).qos, c.wrapHandler(handler))
		go func() {
			if token.WaitTimeout(defaultPublishTimeout) && token.Error() != nil {
				c.log().Warn("MQTT resubscribe failed", "topic", topic, "error", token.Error())
			}
		}()
	}
	return len(c.subscriptions)
}

// wrapHandler logs handler errors and recovers handler panics so one bad
// message cannot take down the paho router.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT message rejected", "topic", msg.Topic(), "error", err)
		}
	}
}
