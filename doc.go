// Package iserv is a client for IServ school portals.
//
// Login authenticates with the portal's form login and returns a Client
// that reaches the file store over WebDAV:
//
//	opts, err := iserv.LoadOptions("")
//	if err != nil {
//		return err
//	}
//
//	c, err := iserv.Login(ctx, opts)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	report, err := c.Pull(ctx, "/Files/Mathe", "mathe")
//
// Pull and Push copy entries missing on the destination and never delete
// or overwrite anything. Single files move with Download and Upload, or in
// the background with DownloadAsync and UploadAsync. The underlying
// packages (pkg/portal, pkg/dav, pkg/transfer, pkg/sync) can be used on
// their own.
package iserv
