// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package transport provides avrorpc.Duplex and avrorpc.StatelessChannel
// implementations over in-memory pipes and TCP.
package transport
