// Package api is the client for the conference backend's JSON API.
// Every response uses one envelope shape: {"success":true,"data":...}
// on success, {"success":false,"error":"..."} on failure.
//
// Errors are classified for the sync coordinator: a 409 or 422 is a
// terminal conflict and a 400 a terminal invalid request (the mutation
// will never be accepted and must be abandoned), everything else that
// fails is transient and eligible for retry.
// Mutation deliveries carry an Idempotency-Key header so a retry after
// a lost acknowledgement does not double-apply.
package api
