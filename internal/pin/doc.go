// Package pin is the credential store of the STS: one-time PINs sent by
// SMS, trusted-client handshakes, and the durable bindings those handshakes
// produce.
//
// # Records
//
// All records are keyed by phone number and live in grid maps:
//
//	pins              {"pin":"0427","issued_at":...}            TTL 5m
//	pin-usage         "1"                                       TTL of the PIN
//	trusted-pins      {"pin":..,"client_id":..,"issued_at":..}  TTL 5m
//	trusted-bindings  client id                                 no expiry
//	sms-log           gateway response or DLR                   audit TTL
//
// A record older than its TTL is treated as absent even when the grid has
// not evicted it yet.
//
// # Consumption
//
// ConsumePin reads the record, and if the PIN matches, removes it with
// RemoveIfMatch using the exact bytes it read. Only the caller whose
// conditional remove succeeds gets Consumed; everybody racing it gets
// AlreadyConsumed. A wrong guess leaves the record in place so it cannot
// spoil a legitimate attempt running at the same time.
//
// Outcomes other than Consumed are denials and are returned as values. An
// error means the grid could not be reached in time, and callers must deny.
package pin
