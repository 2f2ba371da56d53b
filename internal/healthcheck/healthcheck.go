// Package healthcheck serves and queries filesystem usage of the volumes mounted into the
// usage sidecar.
package healthcheck

// Port is the port for the usage sidecar.
const Port = 1251

// Mount is the directory under which the sidecar mounts each claim as /<Mount>/<pvc>.
const Mount = "/mnt"

// DiskPath is the HTTP path serving usage statistics.
const DiskPath = "/disk"
