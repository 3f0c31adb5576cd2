// Package mqtt is the broker client used by the mqttstate bridge.
//
// It wraps paho.mqtt.golang with auto-reconnect, subscription restore on
// reconnect, and a retained online/offline status message backed by a
// Last Will:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	t := client.Topics()
//	err = client.Subscribe(t.AllCommands(), 1, func(topic string, payload []byte) error {
//	    id, _ := t.CommandEntity(topic)
//	    ...
//	})
//
// Tests tagged "integration" need a broker on 127.0.0.1:1883.
package mqtt
