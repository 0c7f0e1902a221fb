// Package engine drives the external search engine subprocess.
//
// A WarmSupervisor keeps one engine process alive across queries, feeding
// each query as a line on stdin and reading one JSON object per query from
// stdout. It enforces a single outstanding request, kills the process when
// that request is canceled, and restarts it after any exit.
//
// A ColdRunner starts a fresh process per query in its own process group and
// reads the result from stdout or a per-invocation output file.
package engine
