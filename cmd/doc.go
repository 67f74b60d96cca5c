// Package cmd defines the CLI for the datasource-broker executable.
//
// Architecture overview:
//   - serve: builds internal/server.App. The broker listens on
//     datasource_commands_<address>, answers every envelope on its
//     response_channel and beacons on manager_registry. The orchestrator
//     starts one child process per start_data_source request. The admin HTTP
//     server exposes health, metrics, connectors and jobs.
//   - launch: the child entrypoint. It instantiates the named connector,
//     attaches a progress tracker and streams batches to
//     datasource_progress_<caller-address> until the fetch ends. The exit
//     status is 0 on success, 1 on fetch failure and 2 for unknown connectors
//     or bad parameters.
//   - call / discover: thin bus clients for operators.
//   - connectors: prints the local registry without starting anything.
//
// Configuration comes from --config or $DATASOURCE_CONFIG, with
// DATASOURCE_* environment overrides. serve forwards the config path to its
// children so they see the same connector defaults and bus settings.
package cmd
