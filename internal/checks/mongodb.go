package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// mongoExecutor checks a MongoDB deployment by connecting and pinging the
// primary.
//
// Config keys: port (default 27017), username, password, authSource,
// tls, tlsSkipVerify.
type mongoExecutor struct{}

// NewMongoExecutor returns the MongoDB executor.
func NewMongoExecutor() Executor { return &mongoExecutor{} }

func (mongoExecutor) Type() string { return TypeMongoDB }

func (e *mongoExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	uri, err := e.uri(in)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(in.Timeout()).
		SetConnectTimeout(in.Timeout())

	start := time.Now()
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return Errored(CodeInvalidConfig, fmt.Sprintf("invalid MongoDB URI: %v", err)), nil
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client.Disconnect(dctx)
	}()

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		elapsed := time.Since(start)
		if strings.Contains(err.Error(), "auth error") ||
			strings.Contains(err.Error(), "AuthenticationFailed") {
			out := Failure(CodeAuthFailed, fmt.Sprintf("MongoDB authentication failed: %v", err))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
		return FromError(err, elapsed), nil
	}

	return Success(time.Since(start)), nil
}

func (e *mongoExecutor) uri(in *Input) (string, error) {
	target := strings.TrimSpace(in.URL)
	if strings.HasPrefix(target, "mongodb://") || strings.HasPrefix(target, "mongodb+srv://") {
		return target, nil
	}

	addr, _, err := targetAddr(target, fmt.Sprintf("%d", in.ConfigInt("port", 27017)))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("mongodb://")
	if username := in.ConfigString("username", ""); username != "" {
		fmt.Fprintf(&sb, "%s:%s@", username, in.ConfigString("password", ""))
	}
	sb.WriteString(addr)
	sb.WriteString("/")

	params := []string{}
	if src := in.ConfigString("authSource", ""); src != "" {
		params = append(params, "authSource="+src)
	}
	if in.ConfigBool("tls", false) {
		params = append(params, "tls=true")
		if in.ConfigBool("tlsSkipVerify", false) {
			params = append(params, "tlsInsecure=true")
		}
	}
	if len(params) > 0 {
		sb.WriteString("?" + strings.Join(params, "&"))
	}
	return sb.String(), nil
}
