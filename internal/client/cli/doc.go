// Package cli provides the interactive listenalong host.
//
// It wires configuration, local storage, the credential vault, the session
// manager and the playback engine behind a small REPL. Typical flow: login
// once (PKCE in the browser), host to create or resume a session, then drive
// playback while listeners follow along. A background watcher probes the
// store's health endpoint and shows whether the host is online.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
// See runREPL for the command set.
package cli
