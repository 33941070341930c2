// Package router implements the capability router: it discovers tool
// capabilities advertised by running servers via tools/list and
// dispatches ExecuteTask calls to the right server and tool.
package router
