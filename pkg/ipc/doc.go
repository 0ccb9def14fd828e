// Package ipc implements the framed message protocol between the kapsel
// gateway and its sandbox workers.
//
// Frames are newline-delimited JSON objects shaped like JSON-RPC:
//
//	{"id":"…","method":"execute","params":{…}}        request, parent to child
//	{"id":"…","method":"cancel"}                       request, parent to child
//	{"method":"event","params":{"type":"…","data":…}}  event, child to parent
//	{"id":"…","result":…}                              response, child to parent
//	{"id":"…","error":{"code":"…","message":"…"}}      response, child to parent
//	{"method":"ready","params":{"pid":…}}              startup notification
//
// A cancel request reuses the correlation id of the execute it targets.
// Events carry no id: a worker serves one request at a time, so every event
// belongs to the request in flight.
package ipc
