package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	lc "github.com/linnemanlabs/locus/internal/cfg"
	"github.com/linnemanlabs/locus/internal/dispatch"
	"github.com/linnemanlabs/locus/internal/notify/mqtt"
	"github.com/linnemanlabs/locus/internal/notify/slack"
	"github.com/linnemanlabs/locus/internal/trigger"
	"github.com/linnemanlabs/locus/internal/weather"
)

// loadZones merges the zones file with the inline cell list.
func loadZones(c *lc.Config) (*trigger.StaticZones, error) {
	var zones []trigger.Zone
	if c.ZonesFile != "" {
		fz, err := trigger.LoadZonesFile(c.ZonesFile)
		if err != nil {
			return nil, err
		}
		zones = append(zones, fz...)
	}
	if c.HighValueCells != "" {
		zones = append(zones, trigger.ParseCellList(c.HighValueCells))
	}
	z, err := trigger.NewStaticZones(zones...)
	if err != nil {
		return nil, fmt.Errorf("zones: %w", err)
	}
	return z, nil
}

// newConditions returns the weather client when an endpoint is configured,
// otherwise a lookup that always reports the target condition.
func newConditions(c *lc.Config) (trigger.ConditionLookup, string) {
	if c.WeatherEndpoint != "" {
		return weather.New(c.WeatherEndpoint, c.WeatherAPIKey), "weather"
	}
	return trigger.StaticCondition(target(c)), "static"
}

// target normalizes the configured condition to the lower-case tags the
// weather lookup reports.
func target(c *lc.Config) trigger.Condition {
	return trigger.Condition(strings.ToLower(strings.TrimSpace(c.TargetCondition)))
}

func newClassifier(ctx context.Context, c *lc.Config, L log.Logger, hooks trigger.Hooks) (*trigger.Classifier, error) {
	zones, err := loadZones(c)
	if err != nil {
		return nil, err
	}
	if zones.Len() == 0 {
		L.Warn(ctx, "no high-value cells configured, no offers will fire")
	}

	conditions, kind := newConditions(c)
	L.Info(ctx, "trigger classifier configured",
		"zone_cells", zones.Len(),
		"condition_lookup", kind,
		"target_condition", target(c),
		"lookup_timeout", c.LookupTimeout(),
	)

	return trigger.NewClassifier(zones, conditions, target(c), c.LookupTimeout(), L, hooks), nil
}

// newSink builds the configured sinks. The returned close function is never nil.
func newSink(ctx context.Context, c *lc.Config, L log.Logger) (dispatch.Sink, func(), error) {
	var (
		sinks  dispatch.MultiSink
		closes []func()
	)

	if c.SlackWebhookURL != "" {
		sinks = append(sinks, slack.New(c.SlackWebhookURL, L))
		L.Info(ctx, "sink enabled", "type", "slack")
	}

	if c.MQTTBroker != "" {
		pub, closeFn, err := mqtt.Dial(mqtt.Config{
			Broker:   c.MQTTBroker,
			ClientID: c.MQTTClientID,
			Topic:    c.MQTTTopic,
			QoS:      1,
			Username: c.MQTTUsername,
			Password: c.MQTTPassword,
		}, L)
		if err != nil {
			return nil, func() {}, fmt.Errorf("mqtt sink: %w", err)
		}
		sinks = append(sinks, pub)
		closes = append(closes, closeFn)
		L.Info(ctx, "sink enabled", "type", "mqtt", "broker", c.MQTTBroker, "topic", c.MQTTTopic)
	}

	closeAll := func() {
		for _, fn := range closes {
			fn()
		}
	}

	switch len(sinks) {
	case 0:
		L.Info(ctx, "no sink configured, offers will only be logged")
		return dispatch.LogSink{Logger: L}, closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	default:
		return sinks, closeAll, nil
	}
}
