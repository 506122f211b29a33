// ssogate program main
//
// (see the ssogate package for an overview of the program structure)
package main

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ssogate/ssogate"
	"github.com/ssogate/ssogate/broker"
	_ "github.com/ssogate/ssogate/conf/confile"
	"github.com/ssogate/ssogate/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(os.Args[1:]); err != nil {
		log.Fatalf("error processing configuration: %v", err)
	}

	if cfg.PublishReload {
		if err := publishReload(cfg); err != nil {
			log.Fatalf("failed to publish reload: %v", err)
		}
		return
	}

	if err := ssogate.Run(cfg.ToOptions()); err != nil {
		log.Fatal(err)
	}
}

// publishReload is the admin trigger after a configuration change: every
// subscribed instance picks the new cfgNum up without waiting for its next
// poll.
func publishReload(cfg *config.Config) error {
	o := cfg.ToOptions()
	b, err := broker.New(o.Broker, o.BrokerOptions)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.Publish(ctx, o.BrokerChannel, broker.Message{
		Action: broker.ActionReload,
		Sender: "cli",
	})
}
