package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttExecutor checks an MQTT broker by completing a CONNECT/CONNACK
// handshake and disconnecting cleanly.
//
// Config keys: port (default 1883; 8883 implies TLS), tls, tlsSkipVerify,
// username, password, clientId.
type mqttExecutor struct{}

// NewMQTTExecutor returns the MQTT executor.
func NewMQTTExecutor() Executor { return &mqttExecutor{} }

func (mqttExecutor) Type() string { return TypeMQTT }

func (e *mqttExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	port := in.ConfigInt("port", 1883)
	addr, host, err := targetAddr(in.URL, fmt.Sprintf("%d", port))
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	useTLS := in.ConfigBool("tls", port == 8883 || strings.HasPrefix(in.URL, "ssl://") || strings.HasPrefix(in.URL, "mqtts://"))
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(scheme + "://" + addr).
		SetClientID(in.ConfigString("clientId", "unistatus-"+in.MonitorID)).
		SetConnectTimeout(in.Timeout()).
		SetAutoReconnect(false).
		SetCleanSession(true)
	if username := in.ConfigString("username", ""); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(in.ConfigString("password", ""))
	}
	if useTLS {
		opts.SetTLSConfig(&tls.Config{
			ServerName:         host,
			InsecureSkipVerify: in.ConfigBool("tlsSkipVerify", false),
		})
	}

	start := time.Now()
	client := mqtt.NewClient(opts)
	defer client.Disconnect(250)

	token := client.Connect()
	if !token.WaitTimeout(in.Timeout()) {
		return TimedOut(time.Since(start)), nil
	}
	if err := token.Error(); err != nil {
		elapsed := time.Since(start)
		if strings.Contains(err.Error(), "bad user name or password") ||
			strings.Contains(err.Error(), "not authorized") {
			out := Failure(CodeAuthFailed, fmt.Sprintf("MQTT authentication failed: %v", err))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
		return FromError(err, elapsed), nil
	}

	return Success(time.Since(start)), nil
}
