// Package mcpmux aggregates several stdio MCP tool servers behind one
// virtual server.
//
// Each declared server runs as its own child process speaking line-delimited
// JSON-RPC on stdin/stdout. The proxy builds servers that need building,
// launches them, discovers their tools and merges the per-server catalogs
// into one namespace: a tool keeps its bare name when it is unique across
// all servers, and is qualified as "server.tool" when two servers export the
// same name. Callers see one flat catalog and never learn which child owns
// which tool.
//
// # Basic Usage
//
//	specs, entryErrs, err := mcpmux.LoadConfig("servers.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, e := range entryErrs {
//	    log.Printf("skipping server: %v", e)
//	}
//
//	proxy := mcpmux.New(logger, specs)
//	if err := proxy.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer proxy.Shutdown(ctx)
//
//	result, err := proxy.CallTool(ctx, "alpha.search", args)
//
// # Serving
//
// The merged catalog can itself be exposed as an MCP server over stdio, so
// an MCP client sees the whole fleet as one server:
//
//	if err := proxy.ServeStdio(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Failure Isolation
//
// A server that fails to build, launch or report its tools degrades alone;
// the remaining servers keep serving. A tool call that times out fails that
// call only, and a child that dies mid-call fails its in-flight calls and
// drops its tools from future catalogs without touching other servers.
// Report exposes the per-server state.
//
// # Error Handling
//
//	result, err := proxy.CallTool(ctx, name, args)
//	if err != nil {
//	    if errors.Is(err, mcpmux.ErrCallTimeout) {
//	        // the child may still be working; the call is abandoned
//	    }
//	    if procErr, ok := errors.AsType[*mcpmux.ProcessError](err); ok {
//	        log.Printf("child exited with code %d: %s", procErr.ExitCode, procErr.Stderr)
//	    }
//	}
package mcpmux
