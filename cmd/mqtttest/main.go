// mqtttest follows the state topics an adukit instance publishes and can
// send one command topic.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hubertat/adukit/drivers/adu208"
	"github.com/hubertat/adukit/mqtt"
)

const clientID = "mq-adukit-test"

var (
	broker  = flag.String("broker", "mqtt://127.0.0.1:1883", "mqtt broker url")
	prefix  = flag.String("prefix", "adu208/0", "topic prefix of the board")
	command = flag.String("send", "", "command to send as topic=payload relative to prefix, e.g. output/0/set=on")
)

type Handler struct {
	topic string
}

func (h *Handler) MqttSubscribeTopic() string {
	return h.topic
}

func (h *Handler) MqttHandle(pub *paho.Publish) {
	log.Info("received mqtt message", "topic", pub.Topic, "payload", string(pub.Payload))
}

func stateHandlers(prefix string) (handlers []mqtt.MqttHandler) {
	handlers = append(handlers, &Handler{topic: prefix + "/connected"})
	for ch := 0; ch < adu208.NumChannels; ch++ {
		handlers = append(handlers,
			&Handler{topic: fmt.Sprintf("%s/input/%d", prefix, ch)},
			&Handler{topic: fmt.Sprintf("%s/counter/%d", prefix, ch)},
		)
	}
	return
}

func main() {
	flag.Parse()
	log.SetLevel(log.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc, err := mqtt.NewMqttClient(*broker, clientID)
	if err != nil {
		log.Error("failed to create mqtt client", "error", err)
		return
	}

	err = mc.Connect(ctx, stateHandlers(strings.TrimSuffix(*prefix, "/")))
	if err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return
	}
	log.Info("mqtt client connected")

	if len(*command) > 0 {
		topic, payload, _ := strings.Cut(*command, "=")
		topic = strings.TrimSuffix(*prefix, "/") + "/" + topic
		if err := mc.Publish(topic, []byte(payload)); err != nil {
			log.Error("failed to send command", "topic", topic, "error", err)
		} else {
			log.Info("command sent", "topic", topic, "payload", payload)
		}
	}

	<-ctx.Done()
	mc.Disconnect(context.Background())
}
