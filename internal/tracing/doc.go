// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package tracing configures OpenTelemetry for the invigil daemon.

The daemon installs a Provider at startup. Packages obtain tracers through
otel.Tracer and never see the provider directly, so tracing stays a no-op
until a Provider with Enabled set has been installed.

	provider, err := tracing.New(ctx, tracing.Config{
	    Enabled:     true,
	    ServiceName: "invigil",
	    Exporter:    tracing.ExporterOTLP,
	    Endpoint:    "localhost:4318",
	    SampleRatio: 0.25,
	})
	defer provider.Shutdown(ctx)

# Correlation IDs

CorrelationMiddleware gives every API request an X-Correlation-ID, reusing a
valid one sent by the client. The ID is stored in the request context and
echoed in the response so CLI errors can be matched to daemon logs.
*/
package tracing
