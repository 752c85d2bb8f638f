// Package pagination walks page-numbered OpenAQ list endpoints.
//
// OpenAQ pages are addressed by page number and limit. A page is the last one
// when it carries fewer results than the limit. Pages of one resource are
// fetched strictly in sequence; parallelism happens across resources, in the
// walker.
//
// Example usage:
//
//	p := pagination.New[openaq.Sensor](fetcher, func(page, limit int) client.Request {
//		return openaq.SensorsRequest(locationID, page, limit)
//	}, pagination.Config{PageSize: 1000})
//	for {
//		page, err := p.Next(ctx)
//		if err != nil {
//			return err
//		}
//		if page == nil {
//			break // exhausted
//		}
//		handle(page.Records)
//	}
//
// A Paginator moves through Start → Fetching → HasPage → Fetching … and ends
// in Exhausted or Failed. Restarting a resource means building a new
// Paginator, which begins at page one.
package pagination
