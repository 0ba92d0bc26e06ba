package checks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// The SQL executors connect, ping, and optionally run a configured probe
// query whose row count can be asserted.
//
// Config keys (both): port, username, password, database, query,
// expectedRows. Postgres also honors sslMode.

// -----------------------------------------------------------------------------
// PostgreSQL
// -----------------------------------------------------------------------------

type postgresExecutor struct{}

// NewPostgresExecutor returns the PostgreSQL executor.
func NewPostgresExecutor() Executor { return &postgresExecutor{} }

func (postgresExecutor) Type() string { return TypePostgres }

func (e *postgresExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	dsn, err := e.dsn(in)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}
	return checkSQL(ctx, in, "pgx", dsn, func(err error) bool {
		var pgErr *pgconn.PgError
		// 28P01 invalid_password, 28000 invalid_authorization_specification.
		return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28")
	})
}

func (e *postgresExecutor) dsn(in *Input) (string, error) {
	target := strings.TrimSpace(in.URL)
	if strings.HasPrefix(target, "postgres://") || strings.HasPrefix(target, "postgresql://") {
		return target, nil
	}

	addr, _, err := targetAddr(target, fmt.Sprintf("%d", in.ConfigInt("port", 5432)))
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   addr,
		Path:   "/" + in.ConfigString("database", "postgres"),
	}
	if username := in.ConfigString("username", ""); username != "" {
		u.User = url.UserPassword(username, in.ConfigString("password", ""))
	}
	q := url.Values{}
	q.Set("sslmode", in.ConfigString("sslMode", "prefer"))
	q.Set("connect_timeout", fmt.Sprintf("%d", int(in.Timeout().Seconds())))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// -----------------------------------------------------------------------------
// MySQL
// -----------------------------------------------------------------------------

type mysqlExecutor struct{}

// NewMySQLExecutor returns the MySQL executor.
func NewMySQLExecutor() Executor { return &mysqlExecutor{} }

func (mysqlExecutor) Type() string { return TypeMySQL }

func (e *mysqlExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	addr, _, err := targetAddr(in.URL, fmt.Sprintf("%d", in.ConfigInt("port", 3306)))
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.User = in.ConfigString("username", "root")
	cfg.Passwd = in.ConfigString("password", "")
	cfg.DBName = in.ConfigString("database", "")
	cfg.Timeout = in.Timeout()
	cfg.ReadTimeout = in.Timeout()
	cfg.WriteTimeout = in.Timeout()

	return checkSQL(ctx, in, "mysql", cfg.FormatDSN(), func(err error) bool {
		var myErr *mysql.MySQLError
		// 1045 ER_ACCESS_DENIED_ERROR, 1044 ER_DBACCESS_DENIED_ERROR.
		return errors.As(err, &myErr) && (myErr.Number == 1045 || myErr.Number == 1044)
	})
}

// -----------------------------------------------------------------------------
// Shared driver plumbing
// -----------------------------------------------------------------------------

// checkSQL opens the database, pings it, and runs the optional probe query.
// isAuthErr decides whether a ping failure maps to AUTH_FAILED rather than
// the generic connection taxonomy.
func checkSQL(ctx context.Context, in *Input, driver, dsn string, isAuthErr func(error) bool) (*Outcome, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return Errored(CodeInvalidConfig, fmt.Sprintf("invalid %s DSN: %v", driver, err)), nil
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(in.Timeout())

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		elapsed := time.Since(start)
		if isAuthErr(err) {
			out := Failure(CodeAuthFailed, fmt.Sprintf("database authentication failed: %v", err))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
		return FromError(err, elapsed), nil
	}

	out := Success(0)
	if query := strings.TrimSpace(in.ConfigString("query", "")); query != "" {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			elapsed := time.Since(start)
			failed := Failure(CodeUnhealthy, fmt.Sprintf("probe query failed: %v", err))
			failed.ResponseTimeMs = ptrMs(elapsed)
			return failed, nil
		}
		count := 0
		for rows.Next() {
			count++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return FromError(err, time.Since(start)), nil
		}

		out.SetPayload("rowCount", count)
		if expected := in.ConfigInt("expectedRows", -1); expected >= 0 && count != expected {
			out.Status = StatusFailure
			out.ErrorCode = CodeRowCountMismatch
			out.ErrorMessage = fmt.Sprintf("probe query returned %d rows, expected %d", count, expected)
		}
	}

	out.ResponseTimeMs = ptrMs(time.Since(start))
	return out, nil
}
