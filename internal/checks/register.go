package checks

// RegisterNetworkExecutors installs every executor that probes a remote
// target over the network. The probe agent registers exactly this set; the
// server registers it plus the heartbeat and aggregate executors, which
// evaluate platform state instead of reaching out.
func RegisterNetworkExecutors(r *Registry) {
	for _, e := range []Executor{
		NewHTTPExecutor(),
		NewDNSExecutor(),
		NewTCPExecutor(),
		NewICMPExecutor(),
		NewSSLExecutor(),
		NewCTExecutor(),
		NewWebsocketExecutor(),
		NewGRPCExecutor(),
		NewSMTPExecutor(),
		NewIMAPExecutor(),
		NewPOP3Executor(),
		NewSSHExecutor(),
		NewLDAPExecutor(),
		NewRDPExecutor(),
		NewMQTTExecutor(),
		NewAMQPExecutor(),
		NewPostgresExecutor(),
		NewMySQLExecutor(),
		NewMongoExecutor(),
		NewRedisExecutor(),
		NewElasticsearchExecutor(),
		NewPromQueryExecutor(),
		NewTracerouteExecutor(),
		NewEmailAuthExecutor(),
	} {
		r.Register(e)
	}
}
