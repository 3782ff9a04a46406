// Package resource provides descriptor handle management for host sockets.
//
// Every socket the relay creates, including connections accepted on a
// listening socket, is registered in a Table. The table hands out the small
// integer descriptors reported to the controller and keeps the live value
// behind each one, so the owner can look it up, drop it and account for
// leaks.
//
// # Handle Table
//
//	table := resource.NewTable[*conn]()
//
//	// Insert a value, get a descriptor
//	fd := table.Insert(resource.KindStream, c)
//
//	// Retrieve value by descriptor
//	c, ok := table.Get(fd)
//
//	// Remove; values implementing Dropper are dropped
//	c, ok := table.Remove(fd)
//
// Handles are reused once freed, oldest free slot first, the way a modem
// recycles its socket slots. Handle 0 is reserved and always invalid.
//
// # Observers
//
// Register observers to track descriptor lifecycle events:
//
//	table.Subscribe(observer)
//
// Observers are notified synchronously after the table mutation completes.
//
// # Cleanup
//
// Descriptors are not garbage collected. The owner must Remove every handle
// it inserted; Close drops whatever is still registered.
package resource
