package server

import (
	"fmt"
	"log"
	"os"
)

const defaultGatewayConfig = `service_name: federation-gateway
endpoint: /graphql
port: 4000
timeout_duration: 5s
enable_hang_over_request_header: true
include_subgraph_errors: true
services: []
opentelemetry:
  tracing:
    enable: false
traffic_shaping:
  timeout_duration: 5s
  rate_limit: 0
  burst: 1
query_planning:
  capacity: 1000
  ttl_seconds: 300
limits:
  max_depth: 0
  max_height: 0
  max_aliases: 0
  max_root_fields: 0
schema_polling:
  enable: false
  interval: 30s
  retry:
    attempts: 3
    timeout: 5s
`

// Init scaffolds a default gateway.yaml in the current directory. It refuses
// to overwrite an existing file.
func Init() {
	if _, err := os.Stat("gateway.yaml"); err == nil {
		log.Fatal("gateway.yaml already exists")
	}

	if err := os.WriteFile("gateway.yaml", []byte(defaultGatewayConfig), 0o644); err != nil {
		log.Fatalf("failed to write gateway.yaml: %v", err)
	}

	fmt.Println("wrote gateway.yaml")
}
