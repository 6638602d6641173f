// Command reencoder is the command-line client for the reencoder daemon.
//
// Most commands talk to the daemon control API at paths.api_bind. The config
// and deps commands work locally without a running daemon.
package main
