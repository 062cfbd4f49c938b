package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	broker "github.com/meridianmq/broker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	c := flag.String("config", "./config/dev.json", "Path to config file")
	flag.Parse()

	b, err := os.ReadFile(*c)
	if err != nil {
		logrus.Fatalf("read config: %v", err)
	}
	if err = json.Unmarshal(b, &broker.CONFIG); err != nil {
		logrus.Fatalf("parse config: %v", err)
	}

	group, ctx := errgroup.WithContext(context.Background())
	s := broker.NewServer(ctx)

	group.Go(func() error {
		if broker.CONFIG.MQTT.URL == "" {
			return nil
		}
		return s.ListenAndServe(broker.URL(broker.CONFIG.MQTT.URL))
	})

	// ca文件: ca.pem, 客户端证书: mqtt.pem, 客户端key文件: mqtt.key
	group.Go(func() error {
		if broker.CONFIG.MQTTs.URL == "" {
			return nil
		}
		return s.ListenAndServeTLS(broker.CONFIG.MQTTs.CertFile, broker.CONFIG.MQTTs.KeyFile, broker.URL(broker.CONFIG.MQTTs.URL))
	})
	group.Go(func() error {
		if broker.CONFIG.WebSocket.URL == "" {
			return nil
		}
		return s.ListenAndServeWebsocket(broker.URL(broker.CONFIG.WebSocket.URL))
	})
	group.Go(func() error {
		if broker.CONFIG.HTTP.URL == "" {
			return nil
		}
		return broker.Httpd(s)
	})
	logrus.Fatal(group.Wait())
}
