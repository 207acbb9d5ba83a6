package constants

// AppName identifies the process in logs, metrics namespaces, and the pid
// file default.
const AppName = "relay"

// ProtocolRequestIDKey is the field name under which an access-log line
// records the request's correlation ID. It is never injected into bytes
// relayed to clients or origins — both directions of wire traffic stay
// byte-for-byte as specced; this key only labels internal log records.
const ProtocolRequestIDKey = "X-Request-ID"
