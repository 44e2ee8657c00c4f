// Package badgerstore is a persistent feed store backend built on badger.
package badgerstore
