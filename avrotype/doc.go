// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package avrotype implements avrorpc.TypeSystem on top of
// github.com/hamba/avro/v2. It is the only package in this module that
// touches the wire encoding of Avro values: avrorpc itself only ever sees
// the small Type/Resolver/TypeSystem contract declared there.
package avrotype
