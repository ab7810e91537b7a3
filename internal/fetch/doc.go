// Package fetch defines the core types shared by the fetch pipeline: requests,
// attempts, results, the Strategy contract, and the error taxonomy.
package fetch
