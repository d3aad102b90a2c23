// Package ota implements the gRPC transport for the OTA orchestration service.
//
// Messages are protobuf well-known types (Struct and StringValue), so the
// service descriptor and client stubs are written by hand. The server adapts
// them to domain types and calls into a provided business-service interface.
package ota
