// Package catalog holds the purchasable products fetched from the storefront.
//
// A Cache is refreshed from a Source with the configured product ids and is
// read-only to everything above it. Products come back sorted by price.
// The cache also resolves the currently offered product for each tier
// (monthly, yearly, lifetime) against the configured offered ids, which may
// change between releases.
//
// Offerings are declared in a YAML file loaded with LoadOfferings:
//
//	offered:
//	  monthly: SpeakLife1MO4
//	  yearly: SpeakLife1YR29
//	  lifetime: SpeakLifeLifetime
//	products:
//	  - id: SpeakLife1YR29
//	    period: yearly
//	    kind: autoRenewableSubscription
//	    price: "29.99"
//	    currency: USD
//	    features: [audio, devotionals]
//	promotional:
//	  - id: DevotionalPremium
//	    window: 720h
package catalog
